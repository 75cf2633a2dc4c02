package alpaca

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

// Global transaction counter
var txCounter atomic.Uint32

type baseResponse struct {
	ClientTransactionID uint32 `json:"ClientTransactionID"`
	ServerTransactionID uint32 `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// Helper to read and parse the request body as URL-encoded data.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

// requestParams returns the body parameters of a PUT and the query
// parameters of anything else.
func requestParams(r *http.Request) url.Values {
	if r.Method == http.MethodPut {
		params, err := parseBodyParams(r)
		if err != nil {
			return url.Values{}
		}
		return params
	}
	return r.URL.Query()
}

// lookup finds a parameter ignoring the case of its name, as Alpaca
// clients are free to send "Position" or "position".
func lookup(params url.Values, field string) (string, bool) {
	for param, value := range params {
		if strings.EqualFold(param, field) && len(value) > 0 {
			return value[0], true
		}
	}
	return "", false
}

// getClientTxID obtains the client transaction ID from the request. A
// missing ID is zero.
func getClientTxID(params url.Values) (uint32, error) {
	value, ok := lookup(params, "ClientTransactionID")
	if !ok {
		return 0, nil
	}
	id, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, errors.New("ClientTransactionID must be a non-negative integer")
	}
	return uint32(id), nil
}

func writeResponse(w http.ResponseWriter, r *http.Request, response any, txID *uint32) {
	id, err := getClientTxID(requestParams(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	*txID = id

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleResponse(w http.ResponseWriter, r *http.Request, value any) {
	response := baseResponse{
		ServerTransactionID: txCounter.Add(1),
		Value:               value,
	}
	writeResponse(w, r, &response, &response.ClientTransactionID)
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	response := baseResponse{
		ServerTransactionID: txCounter.Add(1),
		ErrorNumber:         errorNumber(err),
		ErrorMessage:        err.Error(),
	}
	writeResponse(w, r, &response, &response.ClientTransactionID)
}

// handleAction runs a method call and answers with an empty value.
func handleAction(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		handleError(w, r, err)
		return
	}
	handleResponse(w, r, nil)
}

// handleValue answers with value or the error of the getter.
func handleValue[T any](w http.ResponseWriter, r *http.Request, value T, err error) {
	if err != nil {
		handleError(w, r, err)
		return
	}
	handleResponse(w, r, value)
}

// parseRequest reads a field from the request parameters.
func parseRequest(r *http.Request, field string) (string, error) {
	value, ok := lookup(requestParams(r), field)
	if !ok {
		return "", InvalidValue("missing parameter %s", field)
	}
	return value, nil
}

func parseBoolRequest(r *http.Request, field string) (bool, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, InvalidValue("%s: %q is not a boolean", field, value)
	}
	return b, nil
}

func parseFloatRequest(r *http.Request, field string) (float64, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, InvalidValue("%s: %q is not a number", field, value)
	}
	return f, nil
}

func parseIntRequest(r *http.Request, field string) (int, error) {
	value, err := parseRequest(r, field)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, InvalidValue("%s: %q is not an integer", field, value)
	}
	return n, nil
}

// handleMgm adapts a management endpoint, whose responses carry no client
// transaction.
func handleMgm(fn func(r *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, err := fn(r)
		response := baseResponse{ServerTransactionID: txCounter.Add(1)}
		if err != nil {
			response.ErrorNumber = errorNumber(err)
			response.ErrorMessage = err.Error()
		} else {
			response.Value = value
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			http.Error(w, fmt.Sprintf("failed to encode response: %v", err), http.StatusInternalServerError)
		}
	})
}
