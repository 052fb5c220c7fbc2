package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"feedsync/auth"
	"feedsync/logger"
	"feedsync/metrics"
	"feedsync/models"
	"feedsync/realtime"
	"feedsync/repository"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrNotParticipant   = errors.New("not a participant of this conversation")
)

const (
	DefaultPreviewLimit       = 20
	DefaultPreviewConcurrency = 8
)

type conversationStore interface {
	repository.ConversationRepository
	repository.ProfileRepository
}

type ConversationOptions struct {
	PreviewLimit       int
	PreviewConcurrency int
}

type ConversationService struct {
	store conversationStore
	opts  ConversationOptions
}

func NewConversationService(store conversationStore, opts ConversationOptions) *ConversationService {
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = DefaultPreviewLimit
	}
	if opts.PreviewConcurrency <= 0 {
		opts.PreviewConcurrency = DefaultPreviewConcurrency
	}
	return &ConversationService{store: store, opts: opts}
}

// List собирает диалоги зрителя с профилем собеседника и последним сообщением.
// Один собеседник - один диалог, превью запрашиваются только для первых PreviewLimit
func (s *ConversationService) List(ctx context.Context, viewerID string) ([]models.ConversationSummary, error) {
	start := time.Now()
	summaries, err := s.list(ctx, viewerID)
	metrics.RecordSyncOperation("list_conversations", time.Since(start), err)
	return summaries, err
}

func (s *ConversationService) list(ctx context.Context, viewerID string) ([]models.ConversationSummary, error) {
	if viewerID == "" {
		return []models.ConversationSummary{}, nil
	}

	memberships, err := s.store.ListMemberships(ctx, viewerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load memberships")
	}
	if len(memberships) == 0 {
		return []models.ConversationSummary{}, nil
	}
	convIDs := make([]string, len(memberships))
	for i, m := range memberships {
		convIDs[i] = m.ConversationID
	}

	others, err := s.store.ListOtherParticipants(ctx, convIDs, viewerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load participants")
	}
	counterpartByConv := make(map[string]string, len(others))
	for _, p := range others {
		if _, ok := counterpartByConv[p.ConversationID]; !ok {
			counterpartByConv[p.ConversationID] = p.UserID
		}
	}

	// первый диалог с собеседником в порядке членства выигрывает
	type pair struct{ convID, userID string }
	pairs := make([]pair, 0, len(convIDs))
	seen := make(map[string]struct{}, len(convIDs))
	for _, convID := range convIDs {
		userID, ok := counterpartByConv[convID]
		if !ok {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		pairs = append(pairs, pair{convID: convID, userID: userID})
	}

	userIDs := make([]string, len(pairs))
	for i, p := range pairs {
		userIDs[i] = p.userID
	}
	profiles, err := s.store.GetProfilesByIDs(ctx, userIDs)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load profiles")
	}
	profileByID := make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		profileByID[p.ID] = p
	}

	summaries := make([]models.ConversationSummary, len(pairs))
	for i, p := range pairs {
		user := models.ProfileSummary{ID: p.userID}
		if profile, ok := profileByID[p.userID]; ok {
			user = profile.Summary()
		}
		summaries[i] = models.ConversationSummary{ID: p.convID, User: user}
	}

	s.loadPreviews(ctx, summaries)
	SortConversations(summaries)
	return summaries, nil
}

// loadPreviews параллельно читает последние сообщения, ошибка оставляет превью пустым
func (s *ConversationService) loadPreviews(ctx context.Context, summaries []models.ConversationSummary) {
	n := len(summaries)
	if n > s.opts.PreviewLimit {
		n = s.opts.PreviewLimit
	}

	var g errgroup.Group
	g.SetLimit(s.opts.PreviewConcurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			msg, err := s.store.LatestMessage(ctx, summaries[i].ID)
			if err != nil {
				logger.Warnf("Failed to load last message for conversation %s: %v", summaries[i].ID, err)
				return nil
			}
			summaries[i].LastMessage = msg
			return nil
		})
	}
	_ = g.Wait()
}

// SortConversations - по времени последнего сообщения, пустые диалоги в конце
func SortConversations(summaries []models.ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastActivity().After(summaries[j].LastActivity())
	})
}

// Create создает диалог с клиентским id и обоих участников в одной транзакции
func (s *ConversationService) Create(ctx context.Context, viewerID, counterpartID string) (*models.Conversation, error) {
	if viewerID == "" || counterpartID == "" {
		return nil, errors.New("both participants are required")
	}
	if viewerID == counterpartID {
		return nil, ErrSelfConversation
	}
	if _, err := s.store.GetProfile(ctx, counterpartID); err != nil {
		return nil, errors.Wrap(err, "failed to find counterpart")
	}

	now := time.Now().UTC()
	conv := &models.Conversation{ID: uuid.NewString(), CreatedAt: now}
	err := s.store.CreateConversation(ctx, conv, []models.ConversationParticipant{
		{ConversationID: conv.ID, UserID: viewerID, CreatedAt: now},
		{ConversationID: conv.ID, UserID: counterpartID, CreatedAt: now},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	return conv, nil
}

// Inbox - список диалогов зрителя, обновляемый по новым сообщениям
type Inbox struct {
	svc    *ConversationService
	store  conversationStore
	broker realtime.Broker
	viewer auth.Viewer

	mu            sync.Mutex
	conversations []models.ConversationSummary
	closed        bool
	subs          []realtime.Subscription
	onChange      func([]models.ConversationSummary)
}

func NewInbox(svc *ConversationService, store conversationStore, broker realtime.Broker, viewer auth.Viewer) *Inbox {
	return &Inbox{
		svc:           svc,
		store:         store,
		broker:        broker,
		viewer:        viewer,
		conversations: []models.ConversationSummary{},
	}
}

func (ib *Inbox) OnChange(fn func([]models.ConversationSummary)) {
	ib.mu.Lock()
	ib.onChange = fn
	ib.mu.Unlock()
}

func copySummaries(in []models.ConversationSummary) []models.ConversationSummary {
	return append([]models.ConversationSummary{}, in...)
}

func (ib *Inbox) Conversations() []models.ConversationSummary {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return copySummaries(ib.conversations)
}

func (ib *Inbox) commit() {
	snap := copySummaries(ib.conversations)
	fn := ib.onChange
	ib.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (ib *Inbox) Load(ctx context.Context) error {
	if ib.viewer.Anonymous() {
		return nil
	}
	ib.mu.Lock()
	needSubscribe := ib.broker != nil && len(ib.subs) == 0 && !ib.closed
	ib.mu.Unlock()
	if needSubscribe {
		ib.subscribe()
	}
	return ib.reload(ctx)
}

func (ib *Inbox) reload(ctx context.Context) error {
	list, err := ib.svc.List(ctx, ib.viewer.UserID)
	if err != nil {
		logger.Errorf("Failed to load conversations for %s: %v", ib.viewer.UserID, err)
		return err
	}
	ib.mu.Lock()
	if ib.closed {
		ib.mu.Unlock()
		return nil
	}
	ib.conversations = list
	ib.commit()
	return nil
}

func (ib *Inbox) subscribe() {
	var subs []realtime.Subscription
	msgSub, err := ib.broker.Subscribe("messages-"+ib.viewer.UserID, realtime.ChangeFilter{
		Event: realtime.EventInsert, Table: "messages",
	}, ib.handleMessage)
	if err != nil {
		logger.Errorf("Failed to subscribe to messages: %v", err)
	} else {
		subs = append(subs, msgSub)
	}

	// диалог, начатый собеседником, появляется без перезагрузки страницы
	partSub, err := ib.broker.Subscribe("conversations-"+ib.viewer.UserID, realtime.ChangeFilter{
		Event: realtime.EventInsert, Table: "conversation_participants", Column: "user_id", Value: ib.viewer.UserID,
	}, ib.handleParticipant)
	if err != nil {
		logger.Errorf("Failed to subscribe to conversation participants: %v", err)
	} else {
		subs = append(subs, partSub)
	}

	ib.mu.Lock()
	if ib.closed {
		ib.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		return
	}
	ib.subs = append(ib.subs, subs...)
	ib.mu.Unlock()
}

func (ib *Inbox) handleMessage(ev realtime.ChangeEvent) {
	var msg models.Message
	if err := ev.Record(&msg); err != nil {
		logger.Errorf("Failed to decode message event: %v", err)
		return
	}
	ib.mu.Lock()
	if ib.closed {
		ib.mu.Unlock()
		return
	}
	if !ib.applyPreviewLocked(msg) {
		ib.mu.Unlock()
		return
	}
	SortConversations(ib.conversations)
	ib.commit()
}

// applyPreviewLocked обновляет превью, если сообщение новее текущего
func (ib *Inbox) applyPreviewLocked(msg models.Message) bool {
	for i := range ib.conversations {
		c := &ib.conversations[i]
		if c.ID != msg.ConversationID {
			continue
		}
		if c.LastMessage != nil && (c.LastMessage.ID == msg.ID || c.LastMessage.CreatedAt.After(msg.CreatedAt)) {
			return false
		}
		m := msg
		c.LastMessage = &m
		return true
	}
	return false
}

func (ib *Inbox) handleParticipant(ev realtime.ChangeEvent) {
	var p models.ConversationParticipant
	if err := ev.Record(&p); err != nil {
		return
	}
	ib.mu.Lock()
	known := false
	for _, c := range ib.conversations {
		if c.ID == p.ConversationID {
			known = true
			break
		}
	}
	closed := ib.closed
	ib.mu.Unlock()
	if known || closed {
		return
	}
	// обработчик вызывается из чужой записи, перечитываем асинхронно
	go func() {
		_ = ib.reload(context.Background())
	}()
}

// StartConversation возвращает существующий диалог с собеседником или создает новый.
// В список диалог попадает только после успешной записи
func (ib *Inbox) StartConversation(ctx context.Context, counterpartID string) (*models.ConversationSummary, error) {
	if ib.viewer.Anonymous() {
		return nil, errors.New("sign in to start a conversation")
	}
	if existing, ok := ib.findByCounterpart(counterpartID); ok {
		return &existing, nil
	}

	conv, err := ib.svc.Create(ctx, ib.viewer.UserID, counterpartID)
	if err != nil {
		return nil, err
	}

	summary := models.ConversationSummary{ID: conv.ID, User: models.ProfileSummary{ID: counterpartID}}
	if profile, err := ib.store.GetProfile(ctx, counterpartID); err == nil {
		summary.User = profile.Summary()
	}

	ib.mu.Lock()
	if ib.closed {
		ib.mu.Unlock()
		return &summary, nil
	}
	for _, c := range ib.conversations {
		if c.User.ID == counterpartID {
			existing := c
			ib.mu.Unlock()
			return &existing, nil
		}
	}
	ib.conversations = append(ib.conversations, summary)
	SortConversations(ib.conversations)
	ib.commit()
	return &summary, nil
}

func (ib *Inbox) findByCounterpart(userID string) (models.ConversationSummary, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	for _, c := range ib.conversations {
		if c.User.ID == userID {
			return c, true
		}
	}
	return models.ConversationSummary{}, false
}

func (ib *Inbox) checkParticipant(ctx context.Context, convID string) error {
	ok, err := ib.store.IsParticipant(ctx, convID, ib.viewer.UserID)
	if err != nil {
		return errors.Wrap(err, "failed to check participant")
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// SendMessage отправляет сообщение, пустой текст - nil без ошибки
func (ib *Inbox) SendMessage(ctx context.Context, convID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" || ib.viewer.Anonymous() {
		return nil, nil
	}
	if err := ib.checkParticipant(ctx, convID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       ib.viewer.UserID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	start := time.Now()
	err := ib.store.InsertMessage(ctx, msg)
	metrics.RecordSyncOperation("send_message", time.Since(start), err)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send message")
	}

	ib.mu.Lock()
	if ib.closed || !ib.applyPreviewLocked(*msg) {
		ib.mu.Unlock()
		return msg, nil
	}
	SortConversations(ib.conversations)
	ib.commit()
	return msg, nil
}

func (ib *Inbox) Messages(ctx context.Context, convID string, limit int) ([]models.Message, error) {
	if err := ib.checkParticipant(ctx, convID); err != nil {
		return nil, err
	}
	return ib.store.ListMessages(ctx, convID, limit)
}

// MarkRead помечает прочитанными сообщения собеседника, свои не трогает
func (ib *Inbox) MarkRead(ctx context.Context, convID string) (int64, error) {
	if ib.viewer.Anonymous() {
		return 0, nil
	}
	if err := ib.checkParticipant(ctx, convID); err != nil {
		return 0, err
	}
	n, err := ib.store.MarkRead(ctx, convID, ib.viewer.UserID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to mark messages read")
	}

	ib.mu.Lock()
	changed := false
	for i := range ib.conversations {
		c := &ib.conversations[i]
		if c.ID == convID && c.LastMessage != nil && c.LastMessage.SenderID != ib.viewer.UserID && !c.LastMessage.IsRead {
			m := *c.LastMessage
			m.IsRead = true
			c.LastMessage = &m
			changed = true
		}
	}
	if !changed || ib.closed {
		ib.mu.Unlock()
		return n, nil
	}
	ib.commit()
	return n, nil
}

func (ib *Inbox) Close() {
	ib.mu.Lock()
	if ib.closed {
		ib.mu.Unlock()
		return
	}
	ib.closed = true
	subs := ib.subs
	ib.subs = nil
	ib.onChange = nil
	ib.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
