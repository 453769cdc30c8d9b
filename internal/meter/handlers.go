package meter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/zombor/meter-tracker/internal/scanning"
)

// maxFormSize bounds a recognition request: the image plus the other form fields
const maxFormSize = scanning.MaxUploadSize + 1<<20

// maxJSONSize bounds JSON request bodies
const maxJSONSize = 1 << 20

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes an {"error": message} response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps recognition kinds and resource errors to HTTP status codes
func statusFor(err error) int {
	switch scanning.KindOf(err) {
	case scanning.KindInvalidInput:
		return http.StatusBadRequest
	case scanning.KindTimeout:
		return http.StatusRequestTimeout
	case scanning.KindUpstream:
		return http.StatusInternalServerError
	case scanning.KindInsufficientDigits:
		return http.StatusUnprocessableEntity
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes the response for an error returned by the service
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	var scanErr *scanning.Error
	if errors.As(err, &scanErr) {
		if scanErr.Kind == scanning.KindInsufficientDigits {
			writeJSON(w, status, map[string]string{"error": scanErr.Message, "result": scanErr.Partial})
			return
		}
		writeError(w, status, scanErr.Message)
		return
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, clientMessage(err, http.StatusText(status)))
}

// decodeJSON reads a JSON request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONSize))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	offset, err = queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	return limit, offset, true
}

// parseUpload parses a multipart recognition form, writing the error response on failure
func parseUpload(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("File size exceeds maximum %d bytes", scanning.MaxUploadSize))
			return false
		}
		slog.Warn("Error parsing multipart form", "error", err)
		writeError(w, http.StatusBadRequest, "Expected a multipart form with an image field")
		return false
	}
	return true
}

// handleRecognize reads one of the user's meters and saves the reading
func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if !parseUpload(w, r) {
		return
	}
	meterID := strings.TrimSpace(r.FormValue("meter_id"))
	if meterID == "" {
		writeError(w, http.StatusBadRequest, "meter_id is required")
		return
	}
	f, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer f.Close()

	result, err := s.service.RecognizeForMeter(r.Context(), userID(r), meterID, f, requestStarted(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGuestRecognize reads a photo without saving anything
func (s *Server) handleGuestRecognize(w http.ResponseWriter, r *http.Request) {
	if !parseUpload(w, r) {
		return
	}
	f, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer f.Close()

	result, err := s.service.RecognizeGuest(r.Context(), r.FormValue("utility_type"), f, requestStarted(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLegacyRecognize reads a five digit gas meter and keeps the photo
func (s *Server) handleLegacyRecognize(w http.ResponseWriter, r *http.Request) {
	if !parseUpload(w, r) {
		return
	}
	f, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer f.Close()

	result, err := s.service.RecognizeLegacy(r.Context(), f, requestStarted(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.service.Register(req.Email, req.Password, req.Name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.service.Login(req.Email, req.Password)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"google_id_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.service.SignInWithGoogle(r.Context(), req.Token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleApple(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"identity_token"`
		Name  string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := s.service.SignInWithApple(r.Context(), req.Token, req.Name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteAccount(userID(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "Account deleted"})
}

func (s *Server) handleListProperties(w http.ResponseWriter, r *http.Request) {
	properties, err := s.service.ListProperties(userID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, properties)
}

func (s *Server) handleCreateProperty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	property, err := s.service.CreateProperty(userID(r), req.Name, req.Address)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, property)
}

func (s *Server) handleDeleteProperty(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteProperty(userID(r), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMeters(w http.ResponseWriter, r *http.Request) {
	meters, err := s.service.ListMeters(userID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meters)
}

func (s *Server) handleCreateMeter(w http.ResponseWriter, r *http.Request) {
	var in MeterInput
	if !decodeJSON(w, r, &in) {
		return
	}
	meter, err := s.service.CreateMeter(userID(r), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, meter)
}

func (s *Server) handleDeleteMeter(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteMeter(userID(r), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateReading records a manual reading from the meter_id and value form fields
func (s *Server) handleCreateReading(w http.ResponseWriter, r *http.Request) {
	meterID := strings.TrimSpace(r.FormValue("meter_id"))
	if meterID == "" {
		writeError(w, http.StatusBadRequest, "meter_id is required")
		return
	}
	value, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("value")), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "value must be an integer")
		return
	}
	reading, err := s.service.CreateReading(userID(r), meterID, value)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reading)
}

func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	readings, err := s.service.ListReadings(userID(r), r.URL.Query().Get("meter_id"), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleGetReading(w http.ResponseWriter, r *http.Request) {
	reading, err := s.service.GetReading(userID(r), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleGetReadingImage(w http.ResponseWriter, r *http.Request) {
	data, mediaType, err := s.service.GetReadingImage(userID(r), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Error writing image", "error", err)
	}
}

func (s *Server) handleDeleteReading(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReading(userID(r), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTariffs(w http.ResponseWriter, r *http.Request) {
	tariffs, err := s.service.ListTariffs(userID(r), r.URL.Query().Get("meter_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tariffs)
}

func (s *Server) handleCreateTariff(w http.ResponseWriter, r *http.Request) {
	var in TariffInput
	if !decodeJSON(w, r, &in) {
		return
	}
	tariff, err := s.service.CreateTariff(userID(r), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tariff)
}

func (s *Server) handleUpdateTariff(w http.ResponseWriter, r *http.Request) {
	var in TariffUpdate
	if !decodeJSON(w, r, &in) {
		return
	}
	tariff, err := s.service.UpdateTariff(userID(r), r.PathValue("id"), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tariff)
}

func (s *Server) handleDeleteTariff(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTariff(userID(r), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	bills, err := s.service.ListBills(userID(r), r.URL.Query().Get("meter_id"), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bills)
}

func (s *Server) handleCreateBill(w http.ResponseWriter, r *http.Request) {
	var in BillInput
	if !decodeJSON(w, r, &in) {
		return
	}
	bill, err := s.service.CreateBill(userID(r), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bill)
}

func (s *Server) handleDeleteBill(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteBill(userID(r), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
