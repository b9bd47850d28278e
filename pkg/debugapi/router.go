// Copyright 2021 The Swarm Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package debugapi

import (
	"expvar"
	"net/http"
	"net/http/pprof"

	"github.com/ethersphere/meshbee/pkg/jsonhttp"
	"github.com/ethersphere/meshbee/pkg/logging/httpaccess"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"resenje.org/web"
)

const maxBodyBytes = 1 << 16

// newBasicRouter constructs the routes that do not depend on the injected
// dependencies: /health, /metrics, pprof and vars.
func (s *Service) newBasicRouter() *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(jsonhttp.NotFoundHandler)

	router.Path("/metrics").Handler(web.ChainHandlers(
		httpaccess.SetAccessLogLevelHandler(0), // suppress access log messages
		web.FinalHandler(promhttp.InstrumentMetricHandler(
			s.metricsRegistry,
			promhttp.HandlerFor(s.metricsRegistry, promhttp.HandlerOpts{}),
		)),
	))

	router.Handle("/debug/pprof", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := r.URL
		u.Path += "/"
		http.Redirect(w, r, u.String(), http.StatusPermanentRedirect)
	}))
	router.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	router.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	router.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	router.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	router.PathPrefix("/debug/pprof/").Handler(http.HandlerFunc(pprof.Index))

	router.Handle("/debug/vars", expvar.Handler())

	router.Handle("/health", web.ChainHandlers(
		httpaccess.SetAccessLogLevelHandler(0), // suppress access log messages
		web.FinalHandlerFunc(s.healthHandler),
	))

	return router
}

// newRouter constructs the complete set of routes after the dependencies are
// injected.
func (s *Service) newRouter() *mux.Router {
	router := s.newBasicRouter()

	router.Handle("/balances", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.balancesHandler),
	})
	router.Handle("/balances/{address}", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.peerBalanceHandler),
	})

	router.Handle("/payments", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.paymentsHandler),
	})
	router.Handle("/payments/incoming", jsonhttp.MethodHandler{
		"POST": web.ChainHandlers(
			jsonhttp.NewMaxBodyBytesHandler(maxBodyBytes),
			web.FinalHandlerFunc(s.incomingPaymentHandler),
		),
	})
	router.Handle("/payments/{key}", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.paymentHandler),
	})

	router.Handle("/neighbors", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.neighborsHandler),
	})
	router.Handle("/neighbors/{address}", jsonhttp.MethodHandler{
		"GET": http.HandlerFunc(s.neighborHandler),
		"PUT": web.ChainHandlers(
			jsonhttp.NewMaxBodyBytesHandler(maxBodyBytes),
			web.FinalHandlerFunc(s.neighborContactHandler),
		),
	})

	return router
}

// setRouter sets the API handler with common middlewares.
func (s *Service) setRouter(router http.Handler) {
	h := web.ChainHandlers(
		httpaccess.NewHTTPAccessLogHandler(s.logger, logrus.InfoLevel, "debug api access"),
		handlers.CompressHandler,
		web.NoCacheHeadersHandler,
		web.FinalHandler(router),
	)

	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()

	s.handler = h
}
