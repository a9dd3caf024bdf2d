package intake_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/extract"
	"github.com/popeskul/listing-intake/internal/intake"
	messengermocks "github.com/popeskul/listing-intake/internal/messenger/mocks"
	"github.com/popeskul/listing-intake/internal/models"
	repomocks "github.com/popeskul/listing-intake/internal/repository/mocks"
)

func TestDispatcher_NewConversation(t *testing.T) {
	tests := []struct {
		name       string
		authorized bool
		wantState  models.State
	}{
		{name: "unverified seller is asked for email", authorized: false, wantState: models.StateAwaitingIdentityVerification},
		{name: "verified seller goes to method menu", authorized: true, wantState: models.StateChoosingIntakeMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultOptions())
			h.seed(models.StateNew, nil)
			conv := h.convs.convs[testPhone]
			conv.IsAuthorized = tt.authorized
			h.convs.convs[testPhone] = conv

			res := h.text(t, "hi")

			assert.Equal(t, tt.wantState, res.State)
			assert.Len(t, res.Replies, 1)
		})
	}
}

func TestDispatcher_DuplicateEventIgnored(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seed(models.StateNew, nil)

	first := h.handle(t, models.InboundEvent{Kind: models.EventText, Text: "hi", MessageID: "wamid.dup"})
	require.False(t, first.Duplicate)
	sent := len(h.sentMessages())

	second := h.handle(t, models.InboundEvent{Kind: models.EventText, Text: "hi", MessageID: "wamid.dup"})

	assert.True(t, second.Duplicate)
	assert.Len(t, h.sentMessages(), sent, "duplicate must not produce replies")
	assert.Equal(t, models.StateChoosingIntakeMethod, h.convs.get(testPhone).State)
}

func TestDispatcher_Identity_Email(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seed(models.StateAwaitingIdentityVerification, models.Context{models.CtxSubState: "email"})
	conv := h.convs.convs[testPhone]
	conv.IsAuthorized = false
	h.convs.convs[testPhone] = conv

	res := h.text(t, "not an email")
	assert.True(t, res.Rejected)
	assert.Equal(t, 0, h.convs.get(testPhone).Context.Int(models.CtxEmailAttempts), "malformed input does not count")

	res = h.text(t, "nobody@example.com")
	assert.True(t, res.Rejected)
	assert.Equal(t, 1, h.convs.get(testPhone).Context.Int(models.CtxEmailAttempts))

	h.verifier.EXPECT().SendCode(gomock.Any(), testPhone, "ada@example.com").Return(nil)

	res = h.text(t, " Ada@Example.com ")
	assert.False(t, res.Rejected)
	assert.Equal(t, models.StateAwaitingIdentityVerification, res.State)

	ctx := h.convs.get(testPhone).Context
	assert.Equal(t, "code", ctx.StringOr(models.CtxSubState, ""))
	assert.Equal(t, "ada@example.com", ctx.StringOr(models.CtxPendingEmail, ""))
	require.Len(t, res.Replies, 1)
	assert.Contains(t, res.Replies[0].Body, "a**@example.com")
}

func TestDispatcher_Identity_UnknownEmailLimit(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seed(models.StateAwaitingIdentityVerification, models.Context{models.CtxSubState: "email"})

	for i := 0; i < 2; i++ {
		res := h.text(t, "nobody@example.com")
		assert.Equal(t, models.StateAwaitingIdentityVerification, res.State)
	}

	res := h.text(t, "nobody@example.com")

	assert.Equal(t, models.StateNew, res.State)
	assert.Empty(t, h.convs.get(testPhone).Context)
}

func TestDispatcher_Identity_Code(t *testing.T) {
	pending := models.Context{
		models.CtxSubState:      "code",
		models.CtxPendingEmail:  "ada@example.com",
		models.CtxPendingSeller: "5b1f7c1e-8a53-4d1b-9a43-6f2f0f8f6f01",
	}

	t.Run("correct code authorizes", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seed(models.StateAwaitingIdentityVerification, pending.Clone())
		conv := h.convs.convs[testPhone]
		conv.IsAuthorized = false
		conv.SellerID.Valid = false
		h.convs.convs[testPhone] = conv

		h.verifier.EXPECT().VerifyCode(gomock.Any(), testPhone, "123456").Return(true, nil)

		res := h.text(t, "123456")

		assert.Equal(t, models.StateChoosingIntakeMethod, res.State)
		stored := h.convs.get(testPhone)
		assert.True(t, stored.IsAuthorized)
		assert.Equal(t, "5b1f7c1e-8a53-4d1b-9a43-6f2f0f8f6f01", stored.SellerID.String)
		assert.NotContains(t, stored.Context, models.CtxPendingEmail)
	})

	t.Run("three wrong codes reset verification", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seed(models.StateAwaitingIdentityVerification, pending.Clone())

		h.verifier.EXPECT().VerifyCode(gomock.Any(), testPhone, "000000").Return(false, nil).Times(3)

		res := h.text(t, "000000")
		assert.True(t, res.Rejected)
		assert.Equal(t, 1, h.convs.get(testPhone).Context.Int(models.CtxCodeAttempts))

		res = h.text(t, "000000")
		assert.Equal(t, models.StateAwaitingIdentityVerification, res.State)

		res = h.text(t, "000000")
		assert.Equal(t, models.StateNew, res.State)
		assert.Empty(t, h.convs.get(testPhone).Context)
	})

	t.Run("wrong code merges the counter without rewriting state", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seed(models.StateAwaitingIdentityVerification, pending.Clone())

		h.verifier.EXPECT().VerifyCode(gomock.Any(), testPhone, "000000").
			DoAndReturn(func(ctx context.Context, _, _ string) (bool, error) {
				// an operator reset lands while the code is being checked
				conv, err := h.convs.GetOrCreate(ctx, testPhone)
				if err != nil {
					return false, err
				}
				conv.State = models.StateNew
				return false, h.convs.Save(ctx, conv)
			})

		res := h.text(t, "000000")

		assert.True(t, res.Rejected)
		stored := h.convs.get(testPhone)
		assert.Equal(t, models.StateNew, stored.State)
		assert.Equal(t, 1, stored.Context.Int(models.CtxCodeAttempts))
	})

	t.Run("resend issues a new code", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		ctx := pending.Clone()
		ctx[models.CtxCodeAttempts] = 2
		h.seed(models.StateAwaitingIdentityVerification, ctx)

		h.verifier.EXPECT().SendCode(gomock.Any(), testPhone, "ada@example.com").Return(nil)

		res := h.text(t, "resend")

		assert.Equal(t, models.StateAwaitingIdentityVerification, res.State)
		assert.Equal(t, 0, h.convs.get(testPhone).Context.Int(models.CtxCodeAttempts))
	})
}

func TestDispatcher_FreeTextFields(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seed(models.StateChoosingIntakeMethod, nil)

	res := h.button(t, intake.ControlMethodText, "Type it out")
	require.Equal(t, models.StateCollectingRequiredFields, res.State)

	res = h.text(t, "NWT, size M, $85")

	assert.False(t, res.Rejected)
	assert.Equal(t, models.StateCollectingRequiredFields, res.State)
	draft := h.draft(t)
	assert.Equal(t, "New with tags", draft.Condition)
	assert.Equal(t, "M", draft.Size)
	assert.Equal(t, int64(8500), draft.PriceCents)
	assert.Empty(t, draft.Designer)
	require.NotEmpty(t, res.Replies)
	assert.Equal(t, "Who's the designer or brand?", res.Replies[len(res.Replies)-1].Body)
}

func TestDispatcher_RequiredFields_UnmatchedReprompts(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seedDraft(t, models.StateCollectingRequiredFields, func(d *models.ListingDraft) {
		d.Designer = "Zimmermann"
	})

	res := h.text(t, "hmm")

	assert.True(t, res.Rejected)
	assert.Equal(t, models.StateCollectingRequiredFields, res.State)
	require.Len(t, res.Replies, 2)
	assert.Equal(t, models.OutboundList, res.Replies[1].Kind)
	assert.Equal(t, "Which pieces are included?", res.Replies[1].Body)
}

func TestDispatcher_RequiredFields_ExtractorFallback(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seedDraft(t, models.StateCollectingRequiredFields, func(d *models.ListingDraft) {
		d.Designer = "Zimmermann"
	})

	h.extractor.EXPECT().ExtractFields(gomock.Any(), "it is the matching bikini thing").
		Return(map[string]string{"pieces": "Top & bottom", "designer": "Other"}, nil)

	res := h.text(t, "it is the matching bikini thing")

	assert.False(t, res.Rejected)
	draft := h.draft(t)
	assert.Equal(t, "Top & bottom", draft.PiecesIncluded)
	assert.Equal(t, "Zimmermann", draft.Designer, "extracted values never overwrite filled fields")
}

func TestDispatcher_FieldsInAnyOrder_PromptPhotosOnce(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seed(models.StateChoosingIntakeMethod, nil)
	h.button(t, intake.ControlMethodText, "Type it out")

	inputs := []func(){
		func() { h.text(t, "$120") },
		func() { h.handle(t, models.InboundEvent{Kind: models.EventList, ControlID: "size_s", Text: "S"}) },
		func() { h.text(t, "Faithfull the Brand") },
		func() { h.text(t, "euc") },
		func() { h.handle(t, models.InboundEvent{Kind: models.EventList, ControlID: "pieces_top", Text: "Top only"}) },
		func() { h.text(t, "menu") },
	}
	for _, in := range inputs {
		in()
	}

	stored := h.convs.get(testPhone)
	assert.Equal(t, models.StateCollectingPhotos, stored.State)
	draft := h.draft(t)
	assert.Equal(t, "Faithfull the Brand", draft.Designer)
	assert.Equal(t, "Top only", draft.PiecesIncluded)
	assert.Equal(t, "S", draft.Size)
	assert.Equal(t, "Excellent", draft.Condition)
	assert.Equal(t, int64(12000), draft.PriceCents)
	assert.Equal(t, 1, countContaining(h.sentMessages(), "the details are in"),
		"photo prompt is sent once when fields complete, menu shows progress instead")
}

func TestDispatcher_MethodChoice(t *testing.T) {
	tests := []struct {
		name      string
		flowID    string
		input     string
		wantState models.State
		rejected  bool
	}{
		{name: "voice", input: intake.ControlMethodVoice, wantState: models.StateAwaitingVoiceDescription},
		{name: "form enabled", flowID: "flow-1", input: intake.ControlMethodForm, wantState: models.StateAwaitingStructuredForm},
		{name: "form disabled", input: intake.ControlMethodForm, wantState: models.StateChoosingIntakeMethod, rejected: true},
		{name: "typed number", input: "3", wantState: models.StateCollectingRequiredFields},
		{name: "unknown", input: "banana", wantState: models.StateChoosingIntakeMethod, rejected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			opts.FlowID = tt.flowID
			h := newHarness(t, opts)
			h.seed(models.StateChoosingIntakeMethod, nil)

			res := h.button(t, tt.input, "")

			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, tt.rejected, res.Rejected)
		})
	}
}

func TestDispatcher_StructuredForm(t *testing.T) {
	opts := defaultOptions()
	opts.FlowID = "flow-1"
	h := newHarness(t, opts)
	h.seed(models.StateAwaitingStructuredForm, nil)

	res := h.handle(t, models.InboundEvent{
		Kind: models.EventFlowComplete,
		FormData: map[string]string{
			"designer":   "Zimmermann",
			"pieces":     "pieces_both",
			"size":       "size_m",
			"condition":  "condition_nwt",
			"price":      "85",
			"flow_token": "listing:15550001",
		},
	})

	assert.Equal(t, models.StateCollectingPhotos, res.State)
	draft := h.draft(t)
	assert.True(t, draft.ReadyForReview(0))
	assert.Equal(t, "Top & bottom", draft.PiecesIncluded)
}

func TestDispatcher_Voice(t *testing.T) {
	t.Run("transcript fills fields", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seed(models.StateAwaitingVoiceDescription, nil)

		h.sender.EXPECT().DownloadMedia(gomock.Any(), "audio-1").Return([]byte("ogg"), "audio/ogg", nil)
		h.extractor.EXPECT().Transcribe(gomock.Any(), []byte("ogg"), "audio/ogg").
			Return("It's a Zimmermann set, size small, new with tags, ninety dollars", nil)
		h.extractor.EXPECT().ExtractFields(gomock.Any(), gomock.Any()).
			Return(map[string]string{"designer": "Zimmermann", "price": "$90"}, nil)

		res := h.handle(t, models.InboundEvent{Kind: models.EventAudio, MediaID: "audio-1"})

		assert.Equal(t, models.StateCollectingPhotos, res.State)
		draft := h.draft(t)
		assert.Equal(t, "Zimmermann", draft.Designer)
		assert.Equal(t, "Top & bottom", draft.PiecesIncluded)
		assert.Equal(t, "S", draft.Size)
		assert.Equal(t, "New with tags", draft.Condition)
		assert.Equal(t, int64(9000), draft.PriceCents)
	})

	t.Run("unavailable transcription falls back to typing", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seed(models.StateAwaitingVoiceDescription, nil)

		h.sender.EXPECT().DownloadMedia(gomock.Any(), "audio-1").Return([]byte("ogg"), "audio/ogg", nil)
		h.extractor.EXPECT().Transcribe(gomock.Any(), gomock.Any(), gomock.Any()).Return("", extract.ErrUnavailable)

		res := h.handle(t, models.InboundEvent{Kind: models.EventAudio, MediaID: "audio-1"})

		assert.Equal(t, models.StateCollectingRequiredFields, res.State)
		require.Len(t, res.Replies, 2)
		assert.Equal(t, "Who's the designer or brand?", res.Replies[1].Body)
	})
}

func TestDispatcher_GlobalCommands(t *testing.T) {
	t.Run("help keeps state", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seed(models.StateCollectingOptionalNotes, nil)

		res := h.text(t, "Help")

		assert.Equal(t, models.StateCollectingOptionalNotes, res.State)
		require.Len(t, res.Replies, 2)
		assert.Equal(t, models.OutboundButtons, res.Replies[1].Kind)
	})

	t.Run("start during a listing", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seedDraft(t, models.StateCollectingRequiredFields, nil)

		res := h.text(t, "start")

		assert.Equal(t, models.StateCollectingRequiredFields, res.State)
		assert.Contains(t, res.Replies[0].Body, "already have a listing in progress")
	})

	t.Run("stop cancels", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seedDraft(t, models.StateConfirmingSummary, completeDraft)

		res := h.text(t, "STOP")

		assert.Equal(t, models.StateNew, res.State)
		assert.True(t, h.convs.get(testPhone).IsAuthorized, "cancel keeps the seller linked")
	})

	t.Run("word inside a sentence is not a command", func(t *testing.T) {
		h := newHarness(t, defaultOptions())
		h.seedDraft(t, models.StateCollectingOptionalNotes, completeDraft)

		res := h.text(t, "please don't cancel, small stain on the strap")

		assert.Equal(t, models.StateConfirmingSummary, res.State)
		assert.Equal(t, "please don't cancel, small stain on the strap", h.draft(t).Notes)
	})
}

func TestDispatcher_NotesAndConfirm(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seedDraft(t, models.StateCollectingOptionalNotes, func(d *models.ListingDraft) {
		completeDraft(d)
		d.Photos = []string{"gid://1", "gid://2", "gid://3"}
	})

	long := make([]rune, 501)
	for i := range long {
		long[i] = 'a'
	}
	res := h.text(t, string(long))
	assert.True(t, res.Rejected)
	assert.Equal(t, models.StateCollectingOptionalNotes, res.State)

	res = h.button(t, intake.ControlNotesSkip, "Skip")
	require.Equal(t, models.StateConfirmingSummary, res.State)
	assert.Contains(t, res.Replies[0].Body, "Price: $85.00")
	assert.Contains(t, res.Replies[0].Body, "Photos: 3")

	listingID := h.draft(t).ID
	res = h.button(t, intake.ControlConfirmSubmit, "Submit")

	assert.Equal(t, models.StateNew, res.State)
	stored, err := h.listings.Get(context.Background(), listingID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusDraft, stored.Status)
	assert.NotContains(t, h.convs.get(testPhone).Context, models.CtxListingID)
}

func TestDispatcher_Confirm_NotReadyRoutesBack(t *testing.T) {
	tests := []struct {
		name      string
		fill      func(*models.ListingDraft)
		wantState models.State
	}{
		{
			name:      "missing field",
			fill:      func(d *models.ListingDraft) { completeDraft(d); d.Size = ""; d.Photos = []string{"a", "b", "c"} },
			wantState: models.StateCollectingRequiredFields,
		},
		{
			name:      "too few photos",
			fill:      func(d *models.ListingDraft) { completeDraft(d); d.Photos = []string{"a"} },
			wantState: models.StateCollectingPhotos,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultOptions())
			h.seedDraft(t, models.StateConfirmingSummary, tt.fill)

			res := h.button(t, intake.ControlConfirmSubmit, "Submit")

			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, models.ListingStatusIncomplete, h.draft(t).Status)
		})
	}
}

func TestDispatcher_EditField(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seedDraft(t, models.StateConfirmingSummary, completeDraft)

	res := h.button(t, intake.ControlConfirmEdit, "Edit")
	require.Equal(t, models.StateEditingField, res.State)

	res = h.text(t, "5")
	assert.Equal(t, models.StateEditingField, res.State)
	assert.Equal(t, "price", h.convs.get(testPhone).Context.StringOr(models.CtxEditField, ""))

	res = h.text(t, "free")
	assert.True(t, res.Rejected)

	res = h.text(t, "$90")
	assert.Equal(t, models.StateConfirmingSummary, res.State)
	assert.Equal(t, int64(9000), h.draft(t).PriceCents)
	assert.NotContains(t, h.convs.get(testPhone).Context, models.CtxEditField)
}

func TestDispatcher_InvalidStoredStateResets(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seed(models.State("archived"), models.Context{"junk": true})

	res := h.text(t, "hello")

	assert.Equal(t, models.StateChoosingIntakeMethod, res.State)
}

func TestDispatcher_Handle_RecoversPanic(t *testing.T) {
	h := newHarness(t, defaultOptions())
	h.seedDraft(t, models.StateCollectingPhotos, completeDraft)
	h.sender.EXPECT().DownloadMedia(gomock.Any(), "media-1").
		DoAndReturn(func(context.Context, string) ([]byte, string, error) {
			panic("decoder state corrupted")
		})

	var (
		res *intake.Result
		err error
	)
	require.NotPanics(t, func() {
		res, err = h.dispatcher.Handle(context.Background(), models.InboundEvent{
			Phone: testPhone, MessageID: "m1", Kind: models.EventImage, MediaID: "media-1",
		})
	})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, intake.ErrPanic)
	assert.Contains(t, err.Error(), "decoder state corrupted")
	assert.Equal(t, 1, countContaining(h.sentMessages(), "something went wrong"))
	assert.Equal(t, models.StateCollectingPhotos, h.convs.get(testPhone).State)
}

func TestDispatcher_Handle_RepositoryFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	convs := repomocks.NewMockConversationRepository(ctrl)
	sender := messengermocks.NewMockSender(ctrl)
	h := newHarness(t, defaultOptions())

	d := intake.NewDispatcher(intake.Dependencies{
		Conversations: convs,
		Dedup:         h.store,
		Sender:        sender,
	}, defaultOptions(), zap.NewNop())

	dbErr := errors.New("connection refused")
	convs.EXPECT().GetOrCreate(gomock.Any(), testPhone).Return(nil, dbErr)
	sender.EXPECT().Send(gomock.Any(), testPhone, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, msg models.OutboundMessage) error {
			assert.Contains(t, msg.Body, "something went wrong")
			return nil
		})

	res, err := d.Handle(context.Background(), models.InboundEvent{
		Phone: testPhone, MessageID: "wamid.1", Kind: models.EventText, Text: "hi",
	})

	assert.Nil(t, res)
	assert.ErrorIs(t, err, dbErr)
}

func TestDispatcher_Reset(t *testing.T) {
	h := newHarness(t, defaultOptions())
	listingID := h.seedDraft(t, models.StateCollectingPhotos, completeDraft)
	ctx := context.Background()
	_, err := h.store.Append(ctx, scopeOf(listingID), "gid://1")
	require.NoError(t, err)

	h.uploader.EXPECT().Delete(gomock.Any(), "gid://1")

	require.NoError(t, h.dispatcher.Reset(ctx, testPhone))

	stored := h.convs.get(testPhone)
	assert.Equal(t, models.StateNew, stored.State)
	assert.Empty(t, stored.Context)
	count, err := h.store.Count(ctx, scopeOf(listingID))
	require.NoError(t, err)
	assert.Zero(t, count)
}
