package api

import (
	"encoding/json"
	"net/http"
)

type response struct {
	Status   bool             `json:"status"`
	Response string           `json:"response"`
	Results  []deliveryResult `json:"results,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Status: false, Response: message})
}
