package intake_test

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	authmocks "github.com/popeskul/listing-intake/internal/auth/mocks"
	"github.com/popeskul/listing-intake/internal/dedup"
	extractmocks "github.com/popeskul/listing-intake/internal/extract/mocks"
	"github.com/popeskul/listing-intake/internal/intake"
	mediamocks "github.com/popeskul/listing-intake/internal/media/mocks"
	messengermocks "github.com/popeskul/listing-intake/internal/messenger/mocks"
	"github.com/popeskul/listing-intake/internal/models"
	"github.com/popeskul/listing-intake/internal/repository"
)

const testPhone = "15550001"

type memConversations struct {
	mu    sync.Mutex
	convs map[string]models.Conversation
}

func (m *memConversations) GetOrCreate(_ context.Context, phone string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[phone]
	if !ok {
		conv = models.Conversation{PhoneNumber: phone, State: models.StateNew, Context: models.Context{}, CreatedAt: time.Now()}
		m.convs[phone] = conv
	}
	conv.Context = conv.Context.Clone()
	return &conv, nil
}

func (m *memConversations) Save(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *conv
	stored.Context = conv.Context.Clone()
	m.convs[conv.PhoneNumber] = stored
	return nil
}

func (m *memConversations) MergeContext(_ context.Context, phone string, patch models.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[phone]
	if !ok {
		return repository.ErrNotFound
	}
	conv.Context = conv.Context.Merge(patch)
	m.convs[phone] = conv
	return nil
}

func (m *memConversations) Reset(_ context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.convs[phone]
	conv.PhoneNumber = phone
	conv.State = models.StateNew
	conv.Context = models.Context{}
	m.convs[phone] = conv
	return nil
}

func (m *memConversations) get(phone string) models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs[phone]
}

type memListings struct {
	mu     sync.Mutex
	drafts map[string]models.ListingDraft
}

func (m *memListings) Create(_ context.Context, draft *models.ListingDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft.ID = uuid.NewString()
	draft.Status = models.ListingStatusIncomplete
	draft.Photos = []string{}
	m.drafts[draft.ID] = *draft
	return nil
}

func (m *memListings) Get(_ context.Context, id string) (*models.ListingDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft, ok := m.drafts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	draft.Photos = append([]string{}, draft.Photos...)
	return &draft, nil
}

func (m *memListings) UpdateFields(_ context.Context, draft *models.ListingDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.drafts[draft.ID]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Designer = draft.Designer
	stored.PiecesIncluded = draft.PiecesIncluded
	stored.Size = draft.Size
	stored.Condition = draft.Condition
	stored.PriceCents = draft.PriceCents
	stored.Notes = draft.Notes
	m.drafts[draft.ID] = stored
	return nil
}

func (m *memListings) AppendPhotos(_ context.Context, id string, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.drafts[id]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Photos = append(append([]string{}, stored.Photos...), refs...)
	m.drafts[id] = stored
	return nil
}

func (m *memListings) ClearPhotos(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.drafts[id]
	if !ok {
		return repository.ErrNotFound
	}
	stored.Photos = []string{}
	m.drafts[id] = stored
	return nil
}

func (m *memListings) MarkDraft(_ context.Context, id string, minPhotos int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.drafts[id]
	if !ok || stored.Status != models.ListingStatusIncomplete || !stored.ReadyForReview(minPhotos) {
		return repository.ErrNotReady
	}
	stored.Status = models.ListingStatusDraft
	m.drafts[id] = stored
	return nil
}

type memSellers map[string]*models.Seller

func (m memSellers) FindByEmail(_ context.Context, email string) (*models.Seller, error) {
	if s, ok := m[strings.ToLower(strings.TrimSpace(email))]; ok {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

type harness struct {
	dispatcher *intake.Dispatcher
	convs      *memConversations
	listings   *memListings
	store      *dedup.RedisStore
	mr         *miniredis.Miniredis
	sender     *messengermocks.MockSender
	uploader   *mediamocks.MockUploader
	extractor  *extractmocks.MockExtractor
	verifier   *authmocks.MockVerifier

	mu      sync.Mutex
	sent    []models.OutboundMessage
	nextMsg atomic.Int64
	nextID  atomic.Int64
}

func newHarness(t *testing.T, opts intake.Options) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		convs:     &memConversations{convs: map[string]models.Conversation{}},
		listings:  &memListings{drafts: map[string]models.ListingDraft{}},
		store:     dedup.NewRedisStore(client, dedup.Options{}, zap.NewNop()),
		mr:        mr,
		sender:    messengermocks.NewMockSender(ctrl),
		uploader:  mediamocks.NewMockUploader(ctrl),
		extractor: extractmocks.NewMockExtractor(ctrl),
		verifier:  authmocks.NewMockVerifier(ctrl),
	}

	h.sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, msg models.OutboundMessage) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sent = append(h.sent, msg)
			return nil
		}).AnyTimes()

	sellers := memSellers{
		"ada@example.com": {ID: "5b1f7c1e-8a53-4d1b-9a43-6f2f0f8f6f01", Email: "ada@example.com", Name: "Ada"},
	}

	h.dispatcher = intake.NewDispatcher(intake.Dependencies{
		Conversations: h.convs,
		Listings:      h.listings,
		Sellers:       sellers,
		Dedup:         h.store,
		Uploader:      h.uploader,
		Sender:        h.sender,
		Extractor:     h.extractor,
		Verifier:      h.verifier,
	}, opts, zap.NewNop())

	return h
}

func defaultOptions() intake.Options {
	return intake.Options{
		MinPhotos:        3,
		MaxEmailAttempts: 3,
		MaxCodeAttempts:  3,
		MaxImageEdge:     64,
		JPEGQuality:      80,
	}
}

// seed stores a conversation in the given state, authorized by default.
func (h *harness) seed(state models.State, ctx models.Context) {
	if ctx == nil {
		ctx = models.Context{}
	}
	h.convs.convs[testPhone] = models.Conversation{
		PhoneNumber:  testPhone,
		State:        state,
		Context:      ctx,
		IsAuthorized: true,
		SellerID:     sql.NullString{String: "5b1f7c1e-8a53-4d1b-9a43-6f2f0f8f6f01", Valid: true},
	}
}

// seedDraft creates a draft, applies fill and links it to the conversation context.
func (h *harness) seedDraft(t *testing.T, state models.State, fill func(*models.ListingDraft)) string {
	t.Helper()
	draft := &models.ListingDraft{PhoneNumber: testPhone}
	require.NoError(t, h.listings.Create(context.Background(), draft))
	if fill != nil {
		fill(draft)
	}
	h.listings.drafts[draft.ID] = *draft
	h.seed(state, models.Context{models.CtxListingID: draft.ID})
	return draft.ID
}

func scopeOf(listingID string) dedup.Scope {
	return dedup.Scope{Phone: testPhone, ListingID: listingID}
}

func completeDraft(d *models.ListingDraft) {
	d.Designer = "Zimmermann"
	d.PiecesIncluded = "Top & bottom"
	d.Size = "M"
	d.Condition = "New with tags"
	d.PriceCents = 8500
}

// allowPhotos makes every media download return a small PNG and every upload succeed.
func (h *harness) allowPhotos(t *testing.T) {
	t.Helper()
	h.allowPhotosDownloadOnly(t)
	h.uploader.EXPECT().Upload(gomock.Any(), gomock.Any(), gomock.Any(), "image/jpeg").
		DoAndReturn(func(context.Context, []byte, string, string) (string, error) {
			return fmt.Sprintf("gid://shopify/MediaImage/%d", h.nextID.Add(1)), nil
		}).AnyTimes()
}

func (h *harness) allowPhotosDownloadOnly(t *testing.T) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for x := 0; x < 8; x++ {
		for y := 0; y < 6; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	data := buf.Bytes()

	h.sender.EXPECT().DownloadMedia(gomock.Any(), gomock.Any()).Return(data, "image/png", nil).AnyTimes()
}

func (h *harness) handle(t *testing.T, ev models.InboundEvent) *intake.Result {
	t.Helper()
	if ev.Phone == "" {
		ev.Phone = testPhone
	}
	if ev.MessageID == "" {
		ev.MessageID = fmt.Sprintf("wamid.%d", h.nextMsg.Add(1))
	}
	res, err := h.dispatcher.Handle(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func (h *harness) text(t *testing.T, body string) *intake.Result {
	t.Helper()
	return h.handle(t, models.InboundEvent{Kind: models.EventText, Text: body})
}

func (h *harness) button(t *testing.T, id, title string) *intake.Result {
	t.Helper()
	return h.handle(t, models.InboundEvent{Kind: models.EventButton, ControlID: id, Text: title})
}

func (h *harness) photo(t *testing.T, messageID, mediaID string) *intake.Result {
	t.Helper()
	return h.handle(t, models.InboundEvent{Kind: models.EventImage, MessageID: messageID, MediaID: mediaID, MimeType: "image/png"})
}

func (h *harness) draft(t *testing.T) models.ListingDraft {
	t.Helper()
	id, ok := h.convs.get(testPhone).Context.String(models.CtxListingID)
	require.True(t, ok, "conversation has no listing_id")
	d, err := h.listings.Get(context.Background(), id)
	require.NoError(t, err)
	return *d
}

func (h *harness) sentMessages() []models.OutboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.OutboundMessage{}, h.sent...)
}

func bodies(msgs []models.OutboundMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Body)
	}
	return out
}

func countContaining(msgs []models.OutboundMessage, substr string) int {
	n := 0
	for _, m := range msgs {
		if strings.Contains(m.Body, substr) {
			n++
		}
	}
	return n
}
