// Package seed наполняет хранилище демо-данными: профили, посты,
// лайки, комментарии, закладки и переписки. Генерация детерминирована
// при одинаковом Seed и Now.
package seed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"feedsync/auth"
	"feedsync/logger"
	"feedsync/models"
	"feedsync/repository"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/pkg/errors"
)

// DemoPassword - пароль всех сидированных аккаунтов
const DemoPassword = "feedsync-demo"

var reactionEmojis = []string{"❤️", "😂", "😮", "😢", "😡", "👍"}

type Options struct {
	Profiles        int
	PostsPerProfile int
	Conversations   int
	Seed            uint64
	Now             time.Time
}

func (o *Options) defaults() {
	if o.Profiles <= 0 {
		o.Profiles = 12
	}
	if o.PostsPerProfile <= 0 {
		o.PostsPerProfile = 3
	}
	if o.Conversations <= 0 {
		o.Conversations = o.Profiles / 2
	}
	if o.Seed == 0 {
		o.Seed = 42
	}
	if o.Now.IsZero() {
		o.Now = time.Now().UTC()
	}
}

// Result - что было создано
type Result struct {
	Profiles      []models.Profile
	Posts         []models.Post
	Likes         int
	Comments      int
	Saved         int
	Conversations []models.Conversation
	Messages      int
}

type seeder struct {
	store repository.Store
	fake  *gofakeit.Faker
	opts  Options
	res   *Result
}

// Run пишет данные через обычные методы хранилища, поэтому
// каждая запись проходит те же проверки, что и запросы пользователей
func Run(ctx context.Context, store repository.Store, opts Options) (*Result, error) {
	opts.defaults()
	s := &seeder{store: store, fake: gofakeit.New(opts.Seed), opts: opts, res: &Result{}}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"profiles", s.profiles},
		{"posts", s.posts},
		{"likes", s.likes},
		{"comments", s.comments},
		{"saved", s.saved},
		{"conversations", s.conversations},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, errors.Wrapf(err, "failed to seed %s", step.name)
		}
	}

	logger.Infof("Seeded %d profiles, %d posts, %d likes, %d comments, %d saved, %d conversations, %d messages",
		len(s.res.Profiles), len(s.res.Posts), s.res.Likes, s.res.Comments, s.res.Saved,
		len(s.res.Conversations), s.res.Messages)
	return s.res, nil
}

// ago - случайный момент в прошлом не дальше maxHours от Now
func (s *seeder) ago(maxHours int) time.Time {
	minutes := s.fake.IntRange(1, maxHours*60)
	return s.opts.Now.Add(-time.Duration(minutes) * time.Minute)
}

func (s *seeder) profiles(ctx context.Context) error {
	hash, err := auth.HashPassword(DemoPassword)
	if err != nil {
		return err
	}
	for i := 0; i < s.opts.Profiles; i++ {
		first, last := s.fake.FirstName(), s.fake.LastName()
		username := fmt.Sprintf("%s_%s", strings.ToLower(first), s.fake.Numerify("####"))
		avatar := fmt.Sprintf("https://i.pravatar.cc/150?u=%s", username)
		p := &models.Profile{
			Username:  username,
			FullName:  first + " " + last,
			Email:     fmt.Sprintf("%s%d@example.com", strings.ToLower(first), i),
			Password:  hash,
			Avatar:    &avatar,
			Bio:       s.fake.Sentence(6),
			CreatedAt: s.ago(24 * 90),
		}
		if err := s.store.CreateProfile(ctx, p); err != nil {
			return err
		}
		s.res.Profiles = append(s.res.Profiles, *p)
	}
	return nil
}

func (s *seeder) randomProfile() models.Profile {
	return s.res.Profiles[s.fake.IntRange(0, len(s.res.Profiles)-1)]
}

func (s *seeder) posts(ctx context.Context) error {
	for _, owner := range s.res.Profiles {
		for i := 0; i < s.opts.PostsPerProfile; i++ {
			caption := s.fake.Sentence(8)
			post := &models.Post{
				UserID:    owner.ID,
				ImageURL:  fmt.Sprintf("https://picsum.photos/seed/%s/1080/1080", s.fake.Numerify("########")),
				Caption:   &caption,
				CreatedAt: s.ago(24 * 30),
			}
			if s.fake.IntRange(0, 2) == 0 {
				city := s.fake.City()
				post.Location = &city
			}
			if err := s.store.CreatePost(ctx, post); err != nil {
				return err
			}
			s.res.Posts = append(s.res.Posts, *post)
		}
	}
	return nil
}

func (s *seeder) likes(ctx context.Context) error {
	for _, post := range s.res.Posts {
		n := s.fake.IntRange(0, len(s.res.Profiles)/2)
		for i := 0; i < n; i++ {
			_, err := s.store.InsertLike(ctx, post.ID, s.randomProfile().ID)
			if errors.Is(err, repository.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return err
			}
			s.res.Likes++
		}
	}
	return nil
}

func (s *seeder) comments(ctx context.Context) error {
	for _, post := range s.res.Posts {
		var roots []string
		n := s.fake.IntRange(0, 4)
		for i := 0; i < n; i++ {
			c := &models.Comment{
				PostID:    post.ID,
				UserID:    s.randomProfile().ID,
				Content:   s.fake.Sentence(s.fake.IntRange(2, 10)),
				CreatedAt: post.CreatedAt.Add(time.Duration(i+1) * time.Minute),
			}
			// часть комментариев - ответы на уже созданные
			if len(roots) > 0 && s.fake.IntRange(0, 2) == 0 {
				parent := roots[s.fake.IntRange(0, len(roots)-1)]
				c.ParentID = &parent
			}
			if err := s.store.InsertComment(ctx, c); err != nil {
				return err
			}
			if c.ParentID == nil {
				roots = append(roots, c.ID)
			}
			s.res.Comments++
		}
	}
	return nil
}

func (s *seeder) saved(ctx context.Context) error {
	for _, p := range s.res.Profiles {
		n := s.fake.IntRange(0, 3)
		for i := 0; i < n; i++ {
			post := s.res.Posts[s.fake.IntRange(0, len(s.res.Posts)-1)]
			_, err := s.store.InsertSaved(ctx, p.ID, post.ID)
			if errors.Is(err, repository.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return err
			}
			s.res.Saved++
		}
	}
	return nil
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (s *seeder) conversations(ctx context.Context) error {
	if len(s.res.Profiles) < 2 {
		return nil
	}
	seen := make(map[string]struct{})
	for attempts := 0; len(s.res.Conversations) < s.opts.Conversations && attempts < s.opts.Conversations*10; attempts++ {
		a, b := s.randomProfile(), s.randomProfile()
		if a.ID == b.ID {
			continue
		}
		// один диалог на пару собеседников
		if _, ok := seen[pairKey(a.ID, b.ID)]; ok {
			continue
		}
		seen[pairKey(a.ID, b.ID)] = struct{}{}

		startedAt := s.ago(24 * 7)
		conv := &models.Conversation{CreatedAt: startedAt}
		if err := s.store.CreateConversation(ctx, conv, []models.ConversationParticipant{
			{ConversationID: conv.ID, UserID: a.ID, CreatedAt: startedAt},
			{ConversationID: conv.ID, UserID: b.ID, CreatedAt: startedAt},
		}); err != nil {
			return err
		}
		if err := s.messages(ctx, conv.ID, startedAt, a, b); err != nil {
			return err
		}
		s.res.Conversations = append(s.res.Conversations, *conv)
	}
	return nil
}

func (s *seeder) messages(ctx context.Context, convID string, startedAt time.Time, a, b models.Profile) error {
	n := s.fake.IntRange(1, 6)
	for i := 0; i < n; i++ {
		sender, reader := a, b
		if i%2 == 1 {
			sender, reader = b, a
		}
		m := &models.Message{
			ConversationID: convID,
			SenderID:       sender.ID,
			Content:        s.fake.Sentence(s.fake.IntRange(1, 12)),
			CreatedAt:      startedAt.Add(time.Duration(i+1) * time.Minute),
		}
		if err := s.store.InsertMessage(ctx, m); err != nil {
			return err
		}
		s.res.Messages++

		if s.fake.IntRange(0, 3) == 0 {
			r := &models.MessageReaction{
				MessageID: m.ID,
				UserID:    reader.ID,
				Emoji:     reactionEmojis[s.fake.IntRange(0, len(reactionEmojis)-1)],
			}
			if err := s.store.InsertReaction(ctx, r); err != nil {
				return err
			}
		}
	}
	// старые сообщения уже прочитаны собеседником
	if s.fake.IntRange(0, 1) == 0 {
		if _, err := s.store.MarkRead(ctx, convID, b.ID); err != nil {
			return err
		}
	}
	return nil
}
