package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/engine"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/registration"
	"github.com/alwitt/securesync/session"
	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

type contextKey string

const activeSessionKey contextKey = "active-session"

// APIServerParams API server parameters
type APIServerParams struct {
	// Persistence persistence layer client
	Persistence db.Client `validate:"required"`
	// Engine exchange engine of this node
	Engine engine.Engine `validate:"required"`
	// Sessions server side session manager
	Sessions session.Manager `validate:"required"`
	// Registrar accepts device registrations. Without one registration is not offered.
	Registrar registration.Registrar
	// MaxRecordsPerRequest max records accepted or returned per batch
	MaxRecordsPerRequest int `validate:"gte=1"`
}

// APIServer HTTP handlers of the sync protocol
type APIServer struct {
	goutils.Component
	APIServerParams

	validator *validator.Validate
}

/*
NewAPIServer define new sync protocol API server

	@param params APIServerParams - server parameters
	@returns server instance
*/
func NewAPIServer(params APIServerParams) (*APIServer, error) {
	validate := validator.New()
	if err := models.RegisterWithValidator(validate); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}
	if err := validate.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid API server parameters [%w]", err)
	}
	return &APIServer{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "transport", "component": "api-server", "instance": params.Engine.DeviceID(),
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		APIServerParams: params,
		validator:       validate,
	}, nil
}

// Router build the chi router serving the protocol under BasePath
func (s *APIServer) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route(BasePath, func(r chi.Router) {
		r.Get(PathStatus, s.Status)
		r.Post(PathConnect, s.Connect)
		r.Post(PathVerify, s.Verify)
		r.Post(PathRegister, s.Register)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post(PathClose, s.Close)
			r.Post(PathWatermarks, s.Watermarks)
			r.Post(PathUpload, s.Upload)
			r.Post(PathDownload, s.Download)
		})
	})
	return r
}

func (s *APIServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		log.WithFields(s.GetLogTagsForContext(r.Context())).
			WithField("request-id", middleware.GetReqID(r.Context())).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", wrapped.Status()).
			WithField("duration", time.Since(started).String()).
			Debug("Served request")
	})
}

func (s *APIServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	code, _ := models.ErrorCode(err)
	entry := log.WithError(err).WithFields(s.GetLogTagsForContext(r.Context())).
		WithField("request-id", middleware.GetReqID(r.Context())).
		WithField("path", r.URL.Path)
	message := err.Error()
	if status == http.StatusInternalServerError {
		entry.Error("Request failed")
		message = "internal error"
	} else {
		entry.Warn("Request refused")
	}
	if writeErr := writeJSON(
		w, status, models.ErrorResponse{Code: code, Message: message},
	); writeErr != nil {
		entry.WithField("write-error", writeErr.Error()).Error("Failed to write error response")
	}
}

func (s *APIServer) reply(w http.ResponseWriter, r *http.Request, body interface{}) {
	if err := writeJSON(w, http.StatusOK, body); err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(r.Context())).
			WithField("path", r.URL.Path).
			Error("Failed to write response")
	}
}

// decode read and validate a request body
func (s *APIServer) decode(r *http.Request, target interface{}) error {
	if err := readJSON(r, target); err != nil {
		return err
	}
	if err := s.validator.Struct(target); err != nil {
		return models.WrapSyncError(models.ErrCodeInvalidRequest, err, "request is not valid")
	}
	return nil
}

// authenticate bearer token middleware binding requests to an active session
func (s *APIServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.writeError(w, r, models.NewSyncError(
				models.ErrCodeAuthenticationFailure, "bearer token required",
			))
			return
		}
		active, err := s.Sessions.Authorize(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), activeSessionKey, active)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}

func activeSession(ctx context.Context) session.ActiveSession {
	active, _ := ctx.Value(activeSessionKey).(session.ActiveSession)
	return active
}

// checkBinding the request must name the session and device its token was issued for
func checkBinding(active session.ActiveSession, sessionID, deviceID string) error {
	if sessionID != active.SessionID || deviceID != active.ClientDeviceID {
		return models.NewSyncError(
			models.ErrCodeAuthenticationFailure, "request does not match the session token",
		)
	}
	return nil
}

// Status reachability check
func (s *APIServer) Status(w http.ResponseWriter, r *http.Request) {
	var descriptor models.SyncRecord
	if err := s.Persistence.UseDatabase(
		r.Context(), func(ctx context.Context, dbClient db.Database) error {
			var err error
			descriptor, err = dbClient.GetSyncRecord(ctx, s.Engine.DeviceID(), models.IncludeTombstones)
			return err
		},
	); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r, models.StatusResponse{
		Status: "success", Role: s.Engine.Role(), Device: descriptor,
	})
}

// Connect start a session handshake
func (s *APIServer) Connect(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.Sessions.Connect(r.Context(), req, r.RemoteAddr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r, resp)
}

// Verify complete a session handshake
func (s *APIServer) Verify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.Sessions.Verify(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r, resp)
}

// Close end the caller's session
func (s *APIServer) Close(w http.ResponseWriter, r *http.Request) {
	active := activeSession(r.Context())
	if err := s.Sessions.Close(r.Context(), active.SessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r, struct{}{})
}

// Watermarks report the watermarks this node holds
func (s *APIServer) Watermarks(w http.ResponseWriter, r *http.Request) {
	watermarks, err := s.Engine.Watermarks(r.Context(), nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r, models.WatermarksResponse{Watermarks: watermarks})
}

// Upload apply one batch pushed by the client
func (s *APIServer) Upload(w http.ResponseWriter, r *http.Request) {
	active := activeSession(r.Context())
	var req models.UploadRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := checkBinding(active, req.SessionID, req.DeviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Records) > s.MaxRecordsPerRequest {
		s.writeError(w, r, models.NewSyncError(
			models.ErrCodeInvalidRequest,
			"batch of %d records exceeds the limit of %d",
			len(req.Records),
			s.MaxRecordsPerRequest,
		))
		return
	}

	result, err := s.Engine.ApplyBatch(r.Context(), active.ClientDeviceID, req.Records, req.Signers)
	if err != nil {
		s.recordProgress(r, active, 0, 0, 1)
		s.writeError(w, r, err)
		return
	}
	s.recordProgress(r, active, result.Applied, 0, len(result.Rejected))
	s.reply(w, r, result)
}

// Download return the next page of records the client is missing
func (s *APIServer) Download(w http.ResponseWriter, r *http.Request) {
	active := activeSession(r.Context())
	var req models.DownloadRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := checkBinding(active, req.SessionID, req.DeviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit := req.Limit
	if limit > s.MaxRecordsPerRequest {
		limit = s.MaxRecordsPerRequest
	}

	page, err := s.Engine.UnsyncedSince(r.Context(), active.ClientDeviceID, req.Watermarks, limit, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.recordProgress(r, active, 0, len(page.Records), 0)
	s.reply(w, r, models.DownloadResponse{
		Records: page.Records, Signers: page.Signers, More: page.More,
	})
}

func (s *APIServer) recordProgress(
	r *http.Request, active session.ActiveSession, uploaded, downloaded, failures int,
) {
	if err := s.Sessions.RecordProgress(
		r.Context(), active.SessionID, uploaded, downloaded, failures,
	); err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(r.Context())).
			WithField("session-id", active.SessionID).
			Error("Failed to record session progress")
	}
}

// Register join a device to a zone
func (s *APIServer) Register(w http.ResponseWriter, r *http.Request) {
	if s.Registrar == nil {
		s.writeError(w, r, models.NewSyncError(
			models.ErrCodeNotFound, "this node does not accept registrations",
		))
		return
	}
	var req models.RegisterRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.Registrar.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r, resp)
}
