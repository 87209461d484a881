package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"whatsapp-ai-bot/internal/metrics"
	"whatsapp-ai-bot/internal/whatsapp"
)

const fileField = "file_dikirim"

const (
	statusSent        = "sent"
	statusUnreachable = "unreachable"
	statusFailed      = "failed"
)

type deliveryResult struct {
	Number string `json:"number"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type broadcastRequest struct {
	Numbers []string
	Message string
	// File is the uploaded attachment saved under the upload directory.
	File     string
	FileName string
}

var errBadRequest = errors.New("bad request")

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseBroadcast(w, r)
	if req != nil && req.File != "" {
		defer os.Remove(req.File)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errBadRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	if s.wa.Snapshot().Phase != whatsapp.PhaseConnected {
		writeError(w, http.StatusInternalServerError, "WhatsApp is not connected")
		return
	}

	ctx := r.Context()
	var media *whatsapp.Media
	if req.File != "" {
		data, err := os.ReadFile(req.File)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read uploaded file: %v", err))
			return
		}
		media, err = s.wa.Upload(ctx, data, req.FileName)
		if err != nil {
			s.log.Errorf("Broadcast upload failed: %v", err)
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to upload file: %v", err))
			return
		}
	}

	results := make([]deliveryResult, 0, len(req.Numbers))
	sent := 0
	for _, number := range req.Numbers {
		res := s.deliver(ctx, number, req.Message, media)
		if res.Status == statusSent {
			sent++
		}
		metrics.BroadcastDeliveries.WithLabelValues(res.Status).Inc()
		results = append(results, res)
	}

	if sent == 0 {
		writeJSON(w, http.StatusInternalServerError, response{
			Status:   false,
			Response: "Message was not delivered to any number",
			Results:  results,
		})
		return
	}
	msg := "Message sent"
	if sent < len(results) {
		msg = fmt.Sprintf("Message sent to %d of %d numbers", sent, len(results))
	}
	writeJSON(w, http.StatusOK, response{Status: true, Response: msg, Results: results})
}

// deliver sends to one destination. Failures are reported, never returned.
func (s *Server) deliver(ctx context.Context, number, message string, media *whatsapp.Media) deliveryResult {
	res := deliveryResult{Number: number}

	jid, ok, err := s.wa.Resolve(ctx, number)
	if err != nil {
		s.log.Warnf("Failed to check %s: %v", number, err)
		res.Status, res.Error = statusFailed, err.Error()
		return res
	}
	if !ok {
		s.log.Warnf("Number %s is not registered on WhatsApp, skipping", number)
		res.Status, res.Error = statusUnreachable, "number is not registered on WhatsApp"
		return res
	}

	if media != nil {
		err = s.wa.SendMedia(ctx, jid, media, message)
	} else {
		err = s.wa.SendText(ctx, jid.String(), message)
	}
	if err != nil {
		s.log.Errorf("Failed to send to %s: %v", number, err)
		res.Status, res.Error = statusFailed, err.Error()
		return res
	}
	res.Status = statusSent
	return res
}

func (s *Server) parseBroadcast(w http.ResponseWriter, r *http.Request) (*broadcastRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	req := &broadcastRequest{}

	switch mediaType {
	case "application/json":
		var body struct {
			Numbers json.RawMessage `json:"numbers"`
			Message string          `json:"message"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			return req, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
		}
		numbers, err := parseNumbers(body.Numbers)
		if err != nil {
			return req, err
		}
		req.Numbers, req.Message = numbers, body.Message

	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return req, fmt.Errorf("%w: invalid form: %v", errBadRequest, err)
		}
		numbers, err := formNumbers(r.MultipartForm.Value["numbers"])
		if err != nil {
			return req, err
		}
		req.Numbers, req.Message = numbers, r.FormValue("message")
		if files := r.MultipartForm.File[fileField]; len(files) > 0 {
			path, err := s.saveUpload(files[0])
			if err != nil {
				return req, err
			}
			req.File, req.FileName = path, files[0].Filename
		}

	default:
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("%w: invalid form: %v", errBadRequest, err)
		}
		numbers, err := formNumbers(r.PostForm["numbers"])
		if err != nil {
			return req, err
		}
		req.Numbers, req.Message = numbers, r.PostFormValue("message")
	}

	if strings.TrimSpace(req.Message) == "" && req.File == "" {
		return req, fmt.Errorf("%w: message or %s is required", errBadRequest, fileField)
	}
	return req, nil
}

// parseNumbers accepts a JSON array or a string holding a JSON array.
// Array elements may be strings or numbers.
func parseNumbers(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: numbers is required", errBadRequest)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: numbers must be an array", errBadRequest)
	}
	numbers := make([]string, 0, len(items))
	for _, item := range items {
		var str string
		if err := json.Unmarshal(item, &str); err != nil {
			var num json.Number
			if err := json.Unmarshal(item, &num); err != nil {
				return nil, fmt.Errorf("%w: invalid number %s", errBadRequest, item)
			}
			str = num.String()
		}
		if str = strings.TrimSpace(str); str != "" {
			numbers = append(numbers, str)
		}
	}
	if len(numbers) == 0 {
		return nil, fmt.Errorf("%w: numbers is empty", errBadRequest)
	}
	return numbers, nil
}

// formNumbers handles repeated form fields as well as one field holding a
// JSON array.
func formNumbers(values []string) ([]string, error) {
	if len(values) == 1 {
		v := strings.TrimSpace(values[0])
		if strings.HasPrefix(v, "[") {
			return parseNumbers(json.RawMessage(v))
		}
	}
	var numbers []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			numbers = append(numbers, v)
		}
	}
	if len(numbers) == 0 {
		return nil, fmt.Errorf("%w: numbers is required", errBadRequest)
	}
	return numbers, nil
}

// saveUpload copies the uploaded file under a random name in the upload
// directory. The caller removes it.
func (s *Server) saveUpload(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dir := s.uploadDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+strings.ToLower(filepath.Ext(fh.Filename)))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return path, dst.Close()
}
