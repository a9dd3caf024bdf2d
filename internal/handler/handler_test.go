package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/handler"
	"github.com/popeskul/listing-intake/internal/intake"
	"github.com/popeskul/listing-intake/internal/middleware"
	"github.com/popeskul/listing-intake/internal/models"
	"github.com/popeskul/listing-intake/internal/service"
	"github.com/popeskul/listing-intake/internal/service/mocks"
)

const (
	testVerifyToken = "verify-me"
	testAdminToken  = "admin-secret"
)

func envelope(messages ...string) string {
	return `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{"messaging_product":"whatsapp","messages":[` +
		strings.Join(messages, ",") + `]}}]}]}`
}

func newHandler(svc *service.Service) *handler.Handler {
	return handler.NewHandler(svc, handler.Options{
		VerifyToken: testVerifyToken,
		AdminToken:  testAdminToken,
	}, zap.NewNop())
}

func withRequestID(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, "test-request-id"))
}

func TestHandler_VerifyWebhook(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "matching token echoes challenge",
			query:          "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345",
			expectedStatus: http.StatusOK,
			expectedBody:   "12345",
		},
		{
			name:           "wrong token",
			query:          "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345",
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "wrong mode",
			query:          "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345",
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "missing parameters",
			query:          "",
			expectedStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(&service.Service{})

			req := withRequestID(httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			w := httptest.NewRecorder()

			h.VerifyWebhook(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, w.Body.String())
				return
			}
			var resp handler.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "VERIFICATION_FAILED", resp.Error)
			assert.NotContains(t, w.Body.String(), "12345")
		})
	}
}

func TestHandler_ReceiveWebhook(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		setupMocks     func(*mocks.MockIntakeService, *[]models.InboundEvent)
		expectedStatus int
		expectedResp   handler.WebhookResponse
		checkEvents    func(*testing.T, []models.InboundEvent)
	}{
		{
			name: "text message",
			body: envelope(`{"from":"15550001111","id":"wamid.1","timestamp":"1700000000","type":"text","text":{"body":"hi"}}`),
			setupMocks: func(m *mocks.MockIntakeService, seen *[]models.InboundEvent) {
				m.EXPECT().HandleEvent(gomock.Any(), gomock.Any()).DoAndReturn(
					func(_ context.Context, ev models.InboundEvent) (*intake.Result, error) {
						*seen = append(*seen, ev)
						return &intake.Result{State: models.StateAwaitingIdentityVerification}, nil
					})
			},
			expectedStatus: http.StatusOK,
			expectedResp:   handler.WebhookResponse{Status: handler.WebhookStatusOK, Processed: 1},
			checkEvents: func(t *testing.T, events []models.InboundEvent) {
				require.Len(t, events, 1)
				assert.Equal(t, "15550001111", events[0].Phone)
				assert.Equal(t, "wamid.1", events[0].MessageID)
				assert.Equal(t, models.EventText, events[0].Kind)
				assert.Equal(t, "hi", events[0].Text)
				assert.Equal(t, time.Unix(1700000000, 0).UTC(), events[0].Timestamp)
			},
		},
		{
			name: "interactive replies and media keep delivery order",
			body: envelope(
				`{"from":"1","id":"a","type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"photos_done","title":"Done"}}}`,
				`{"from":"1","id":"b","type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"size_m","title":"M"}}}`,
				`{"from":"1","id":"c","type":"image","image":{"id":"media-1","mime_type":"image/jpeg"}}`,
				`{"from":"1","id":"d","type":"audio","audio":{"id":"media-2","mime_type":"audio/ogg"}}`,
				`{"from":"1","id":"e","type":"button","button":{"payload":"confirm_submit","text":"Submit"}}`,
			),
			setupMocks: func(m *mocks.MockIntakeService, seen *[]models.InboundEvent) {
				m.EXPECT().HandleEvent(gomock.Any(), gomock.Any()).DoAndReturn(
					func(_ context.Context, ev models.InboundEvent) (*intake.Result, error) {
						*seen = append(*seen, ev)
						return &intake.Result{}, nil
					}).Times(5)
			},
			expectedStatus: http.StatusOK,
			expectedResp:   handler.WebhookResponse{Status: handler.WebhookStatusOK, Processed: 5},
			checkEvents: func(t *testing.T, events []models.InboundEvent) {
				require.Len(t, events, 5)
				assert.Equal(t, models.EventButton, events[0].Kind)
				assert.Equal(t, "photos_done", events[0].ControlID)
				assert.Equal(t, models.EventList, events[1].Kind)
				assert.Equal(t, "size_m", events[1].ControlID)
				assert.Equal(t, "M", events[1].Text)
				assert.Equal(t, models.EventImage, events[2].Kind)
				assert.Equal(t, "media-1", events[2].MediaID)
				assert.Equal(t, "image/jpeg", events[2].MimeType)
				assert.Equal(t, models.EventAudio, events[3].Kind)
				assert.Equal(t, "media-2", events[3].MediaID)
				assert.Equal(t, models.EventButton, events[4].Kind)
				assert.Equal(t, "confirm_submit", events[4].ControlID)
			},
		},
		{
			name: "form completion",
			body: envelope(`{"from":"1","id":"f","type":"interactive","interactive":{"type":"nfm_reply","nfm_reply":{"name":"flow","body":"Sent","response_json":"{\"flow_token\":\"listing:1\",\"designer\":\"Frankies\",\"size\":\"size_m\",\"price\":85}"}}}`),
			setupMocks: func(m *mocks.MockIntakeService, seen *[]models.InboundEvent) {
				m.EXPECT().HandleEvent(gomock.Any(), gomock.Any()).DoAndReturn(
					func(_ context.Context, ev models.InboundEvent) (*intake.Result, error) {
						*seen = append(*seen, ev)
						return &intake.Result{}, nil
					})
			},
			expectedStatus: http.StatusOK,
			expectedResp:   handler.WebhookResponse{Status: handler.WebhookStatusOK, Processed: 1},
			checkEvents: func(t *testing.T, events []models.InboundEvent) {
				require.Len(t, events, 1)
				assert.Equal(t, models.EventFlowComplete, events[0].Kind)
				assert.Equal(t, map[string]string{
					"designer": "Frankies",
					"size":     "size_m",
					"price":    "85",
				}, events[0].FormData)
			},
		},
		{
			name: "duplicate delivery",
			body: envelope(`{"from":"1","id":"g","type":"text","text":{"body":"hi"}}`),
			setupMocks: func(m *mocks.MockIntakeService, _ *[]models.InboundEvent) {
				m.EXPECT().HandleEvent(gomock.Any(), gomock.Any()).Return(&intake.Result{Duplicate: true}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedResp:   handler.WebhookResponse{Status: handler.WebhookStatusOK, Duplicates: 1},
		},
		{
			name: "processing error still acknowledged",
			body: envelope(`{"from":"1","id":"h","type":"text","text":{"body":"hi"}}`),
			setupMocks: func(m *mocks.MockIntakeService, _ *[]models.InboundEvent) {
				m.EXPECT().HandleEvent(gomock.Any(), gomock.Any()).Return(nil, errors.New("database down"))
			},
			expectedStatus: http.StatusOK,
			expectedResp:   handler.WebhookResponse{Status: handler.WebhookStatusError, Failed: 1},
		},
		{
			name:           "status callbacks only",
			body:           `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"wamid.9","status":"read"}]}}]}]}`,
			setupMocks:     func(*mocks.MockIntakeService, *[]models.InboundEvent) {},
			expectedStatus: http.StatusOK,
			expectedResp:   handler.WebhookResponse{Status: handler.WebhookStatusIgnored},
		},
		{
			name:           "unsupported type skipped",
			body:           envelope(`{"from":"1","id":"i","type":"sticker","sticker":{"id":"s"}}`),
			setupMocks:     func(*mocks.MockIntakeService, *[]models.InboundEvent) {},
			expectedStatus: http.StatusOK,
			expectedResp:   handler.WebhookResponse{Status: handler.WebhookStatusOK},
		},
		{
			name:           "message without body counted as failed",
			body:           envelope(`{"from":"1","id":"j","type":"text"}`),
			setupMocks:     func(*mocks.MockIntakeService, *[]models.InboundEvent) {},
			expectedStatus: http.StatusOK,
			expectedResp:   handler.WebhookResponse{Status: handler.WebhookStatusError, Failed: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockIntake := mocks.NewMockIntakeService(ctrl)
			var seen []models.InboundEvent
			tt.setupMocks(mockIntake, &seen)

			h := newHandler(&service.Service{Intake: mockIntake})

			req := withRequestID(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tt.body)))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			h.ReceiveWebhook(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var resp handler.WebhookResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedResp, resp)
			if tt.checkEvents != nil {
				tt.checkEvents(t, seen)
			}
		})
	}
}

func TestHandler_ReceiveWebhook_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"object":`},
		{name: "missing object", body: `{"entry":[]}`},
		{name: "not an object", body: `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			h := newHandler(&service.Service{Intake: mocks.NewMockIntakeService(ctrl)})

			req := withRequestID(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tt.body)))
			w := httptest.NewRecorder()

			h.ReceiveWebhook(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp handler.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "INVALID_ENVELOPE", resp.Error)
		})
	}
}

func TestHandler_ReceiveWebhook_BadFormResponseAcknowledged(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h := newHandler(&service.Service{Intake: mocks.NewMockIntakeService(ctrl)})

	body := envelope(`{"from":"1","id":"k","type":"interactive","interactive":{"type":"nfm_reply","nfm_reply":{"response_json":"not json"}}}`)
	req := withRequestID(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	w := httptest.NewRecorder()

	h.ReceiveWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp handler.WebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, handler.WebhookResponse{Status: handler.WebhookStatusError, Failed: 1}, resp)
}

func TestHandler_ReceiveWebhook_PanicAcknowledged(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockIntake := mocks.NewMockIntakeService(ctrl)
	gomock.InOrder(
		mockIntake.EXPECT().HandleEvent(gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, models.InboundEvent) (*intake.Result, error) {
				panic("nil draft")
			}),
		mockIntake.EXPECT().HandleEvent(gomock.Any(), gomock.Any()).Return(&intake.Result{}, nil),
	)
	h := newHandler(&service.Service{Intake: mockIntake})

	body := envelope(
		`{"from":"1","id":"a","type":"text","text":{"body":"first"}}`,
		`{"from":"1","id":"b","type":"text","text":{"body":"second"}}`,
	)
	req := withRequestID(httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
	w := httptest.NewRecorder()

	assert.NotPanics(t, func() { h.ReceiveWebhook(w, req) })

	assert.Equal(t, http.StatusOK, w.Code)
	var resp handler.WebhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, handler.WebhookResponse{Status: handler.WebhookStatusError, Processed: 1, Failed: 1}, resp)
}

func TestHandler_HealthCheck(t *testing.T) {
	lastRun := time.Now().Add(-time.Minute)

	tests := []struct {
		name           string
		health         *service.HealthStatus
		expectedStatus int
	}{
		{
			name: "healthy",
			health: &service.HealthStatus{
				Status:         service.StatusHealthy,
				DatabaseStatus: service.Connected,
				RedisStatus:    service.Connected,
				Sweeper:        service.SweeperHealth{Status: service.SweeperRunning, LastRun: &lastRun},
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "degraded is still served",
			health: &service.HealthStatus{
				Status:         service.StatusDegraded,
				DatabaseStatus: service.Connected,
				RedisStatus:    service.Connected,
				Breakers:       []service.BreakerHealth{{Name: "commerce", State: "open"}},
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "unhealthy",
			health: &service.HealthStatus{
				Status:         service.StatusUnhealthy,
				DatabaseStatus: service.Disconnected,
				RedisStatus:    service.Connected,
			},
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockHealth := mocks.NewMockHealthService(ctrl)
			mockHealth.EXPECT().GetHealth(gomock.Any()).Return(tt.health)

			h := newHandler(&service.Service{Health: mockHealth})

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()

			h.HealthCheck(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			var resp handler.HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.health.Status, resp.Status)
			assert.Equal(t, tt.health.DatabaseStatus, resp.DatabaseStatus)
			assert.Equal(t, tt.health.RedisStatus, resp.RedisStatus)
			assert.Len(t, resp.Breakers, len(tt.health.Breakers))
			assert.False(t, resp.Timestamp.IsZero())
		})
	}
}

func TestHandler_ResetConversation(t *testing.T) {
	tests := []struct {
		name           string
		auth           string
		setupMocks     func(*mocks.MockIntakeService)
		expectedStatus int
	}{
		{
			name: "success",
			auth: "Bearer " + testAdminToken,
			setupMocks: func(m *mocks.MockIntakeService) {
				m.EXPECT().ResetConversation(gomock.Any(), "15550001111").Return(nil)
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing token",
			setupMocks:     func(*mocks.MockIntakeService) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong token",
			auth:           "Bearer guess",
			setupMocks:     func(*mocks.MockIntakeService) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "reset fails",
			auth: "Bearer " + testAdminToken,
			setupMocks: func(m *mocks.MockIntakeService) {
				m.EXPECT().ResetConversation(gomock.Any(), "15550001111").Return(errors.New("db down"))
			},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockIntake := mocks.NewMockIntakeService(ctrl)
			tt.setupMocks(mockIntake)

			h := newHandler(&service.Service{Intake: mockIntake})
			r := chi.NewRouter()
			r.Post("/admin/conversations/{phone}/reset", h.ResetConversation)

			req := httptest.NewRequest(http.MethodPost, "/admin/conversations/15550001111/reset", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				var resp handler.ResetResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, "15550001111", resp.Phone)
			}
		})
	}
}

func TestHandler_ResetConversation_DisabledWithoutToken(t *testing.T) {
	h := handler.NewHandler(&service.Service{}, handler.Options{VerifyToken: testVerifyToken}, zap.NewNop())
	r := chi.NewRouter()
	r.Post("/admin/conversations/{phone}/reset", h.ResetConversation)

	req := httptest.NewRequest(http.MethodPost, "/admin/conversations/1/reset", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
