// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2015-2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */
package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/snapcore/modemd/logger"
)

// Response is what the debug API handlers return.
type Response interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// resp is the single envelope of every debug API answer: "sync" carries
// the handler result, "error" an errorResult.
type resp struct {
	kind   string
	status int
	result interface{}
}

type envelope struct {
	Type       string      `json:"type"`
	Status     string      `json:"status"`
	StatusCode int         `json:"status-code"`
	Result     interface{} `json:"result"`
}

func (r *resp) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := r.status
	bs, err := json.Marshal(envelope{
		Type:       r.kind,
		Status:     http.StatusText(r.status),
		StatusCode: r.status,
		Result:     r.result,
	})
	if err != nil {
		logger.Noticef("cannot encode %s response: %v", r.kind, err)
		bs = nil
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bs)
}

type errorResult struct {
	Message string `json:"message"`
}

// SyncResponse answers 200 with result, or 500 when result is an error.
func SyncResponse(result interface{}) Response {
	if err, ok := result.(error); ok {
		return InternalError("%v", err)
	}
	return &resp{kind: "sync", status: http.StatusOK, result: result}
}

// ErrorResponseFunc builds an error Response with a formatted message.
type ErrorResponseFunc func(format string, v ...interface{}) Response

// ErrorResponse returns a builder for errors with the given status.
// Server side failures are logged.
func ErrorResponse(status int) ErrorResponseFunc {
	return func(format string, v ...interface{}) Response {
		msg := fmt.Sprintf(format, v...)
		if status >= http.StatusInternalServerError {
			logger.Noticef("debug api: %s", msg)
		}
		return &resp{kind: "error", status: status, result: &errorResult{Message: msg}}
	}
}

var (
	NotFound           = ErrorResponse(http.StatusNotFound)
	BadMethod          = ErrorResponse(http.StatusMethodNotAllowed)
	Forbidden          = ErrorResponse(http.StatusForbidden)
	InternalError      = ErrorResponse(http.StatusInternalServerError)
	ServiceUnavailable = ErrorResponse(http.StatusServiceUnavailable)
)

var notFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	NotFound("no such endpoint: %s", r.URL.Path).ServeHTTP(w, r)
})
