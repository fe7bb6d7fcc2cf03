// Package syncer reconciles the local contact and message store with what the gateway
// reports. It only creates and updates records; it never deletes them.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gdbrns/go-whatsapp-session-manager/internal/normalize"
	"github.com/gdbrns/go-whatsapp-session-manager/internal/store"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/gateway"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/log"
)

// DefaultWindow matches the gateway's own page size for message history.
const DefaultWindow = 20

// Source is the read side of the gateway client.
type Source interface {
	ListChats(ctx context.Context, instance string) ([]json.RawMessage, error)
	ListMessages(ctx context.Context, instance, chatID string, count int) ([]json.RawMessage, error)
}

type Hooks struct {
	// OnMessage is called once per newly inserted message.
	OnMessage func(msg store.Message, contact store.Contact)
	Logf      func(format string, args ...interface{})
}

// Target names the gateway instance a sync pass runs against.
type Target struct {
	Source   Source
	Instance string
	Hooks    Hooks
}

func (t Target) logf(format string, args ...interface{}) {
	if t.Hooks.Logf != nil {
		t.Hooks.Logf(format, args...)
		return
	}
	log.Component("syncer").WithField("instance", t.Instance).Debugf(format, args...)
}

type Options struct {
	Window      int
	Concurrency int
	// EagerOnActivity also fetches messages of chats whose recency moved forward.
	EagerOnActivity bool
}

func OptionsFromEnv() Options {
	return Options{
		Window:          env.GetEnvIntOrDefault("SYNC_MESSAGE_WINDOW", DefaultWindow, 1),
		Concurrency:     env.GetEnvIntOrDefault("SYNC_CONCURRENCY", 4, 1),
		EagerOnActivity: env.GetEnvBoolOrDefault("SYNC_EAGER_ON_ACTIVITY", true),
	}
}

type Result struct {
	Chats            int `json:"chats"`
	Skipped          int `json:"skipped"`
	ContactsCreated  int `json:"contacts_created"`
	ContactsUpdated  int `json:"contacts_updated"`
	MessagesInserted int `json:"messages_inserted"`
	MessagesSkipped  int `json:"messages_skipped"`
	StatusUpdated    int `json:"status_updated"`
}

func (r *Result) add(o Result) {
	r.Chats += o.Chats
	r.Skipped += o.Skipped
	r.ContactsCreated += o.ContactsCreated
	r.ContactsUpdated += o.ContactsUpdated
	r.MessagesInserted += o.MessagesInserted
	r.MessagesSkipped += o.MessagesSkipped
	r.StatusUpdated += o.StatusUpdated
}

func (r Result) String() string {
	return fmt.Sprintf("chats=%d contacts(+%d ~%d) messages(+%d =%d) status=%d skipped=%d",
		r.Chats, r.ContactsCreated, r.ContactsUpdated, r.MessagesInserted, r.MessagesSkipped, r.StatusUpdated, r.Skipped)
}

// Engine syncs one tenant.
type Engine struct {
	store  store.Store
	tenant string
	opts   Options
	flight singleflight.Group
}

func New(st store.Store, tenantID string, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Engine{store: st, tenant: tenantID, opts: opts}
}

func (e *Engine) Tenant() string {
	return e.tenant
}

// SyncAll lists the chats, upserts one contact per chat and eagerly syncs the chats that
// show activity. Only an AuthError from the gateway aborts the pass; other per-chat
// failures are logged.
func (e *Engine) SyncAll(ctx context.Context, t Target) (Result, error) {
	chats, err := t.Source.ListChats(ctx, t.Instance)
	if err != nil {
		return Result{}, err
	}

	// res is owned by this goroutine; workers merge into chatRes under mu.
	var (
		mu      sync.Mutex
		res     Result
		chatRes Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	for _, raw := range chats {
		if gctx.Err() != nil {
			break
		}
		chat, gap := normalize.Chat(raw)
		if gap != nil {
			if !gap.Ignorable {
				t.logf("chat skipped: %s", gap)
			}
			res.Skipped++
			continue
		}
		res.Chats++

		up, err := e.store.UpsertContact(gctx, chat.Contact(e.tenant))
		if err != nil {
			t.logf("contact %s not saved: %v", chat.Phone, err)
			continue
		}
		if up.Created {
			res.ContactsCreated++
		} else if up.Advanced {
			res.ContactsUpdated++
		}

		if !e.eager(chat, up) {
			continue
		}
		jid := chat.JID
		g.Go(func() error {
			r, err := e.SyncChat(gctx, t, jid)
			mu.Lock()
			chatRes.add(r)
			mu.Unlock()
			if err != nil {
				if gateway.IsAuth(err) {
					return err
				}
				t.logf("chat %s not synced: %v", jid, err)
			}
			return nil
		})
	}
	err = g.Wait()
	mu.Lock()
	res.add(chatRes)
	mu.Unlock()
	return res, err
}

func (e *Engine) eager(chat normalize.ChatFields, up store.UpsertResult) bool {
	if chat.Unread > 0 {
		return true
	}
	if up.Created && !chat.LastMessageAt.IsZero() {
		return true
	}
	return e.opts.EagerOnActivity && up.Advanced && !up.Created
}

// SyncChat fetches the recent message window of one chat. Concurrent calls for the same
// chat share a single fetch.
func (e *Engine) SyncChat(ctx context.Context, t Target, chatID string) (Result, error) {
	chatID = chatAddress(chatID)
	v, err, _ := e.flight.Do(t.Instance+"/"+chatID, func() (interface{}, error) {
		raws, err := t.Source.ListMessages(ctx, t.Instance, chatID, e.opts.Window)
		if err != nil {
			return Result{}, err
		}
		return e.Ingest(ctx, t, raws), nil
	})
	res, _ := v.(Result)
	return res, err
}

// chatAddress accepts a bare phone number as well as a chat JID.
func chatAddress(chatID string) string {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" || strings.Contains(chatID, "@") {
		return chatID
	}
	return normalize.ChatJID(chatID)
}

type batch struct {
	phone    string
	name     string
	latest   normalize.MessageFields
	messages []normalize.MessageFields
}

// Ingest stores raw gateway messages. The contact of each phone is upserted once, with the
// newest message as its recency and preview.
func (e *Engine) Ingest(ctx context.Context, t Target, raws []json.RawMessage) Result {
	var (
		res     Result
		order   []string
		batches = make(map[string]*batch)
	)
	for _, raw := range raws {
		f, gap := normalize.Message(raw)
		if gap != nil {
			if !gap.Ignorable {
				t.logf("message skipped: %s", gap)
			}
			res.Skipped++
			continue
		}
		b, ok := batches[f.Phone]
		if !ok {
			b = &batch{phone: f.Phone}
			batches[f.Phone] = b
			order = append(order, f.Phone)
		}
		b.messages = append(b.messages, f)
		if len(b.messages) == 1 || !f.CreatedAt.Before(b.latest.CreatedAt) {
			b.latest = f
		}
		if !f.FromMe && f.PushName != "" {
			b.name = f.PushName
		}
	}

	for _, phone := range order {
		if ctx.Err() != nil {
			break
		}
		res.add(e.ingestBatch(ctx, t, batches[phone]))
	}
	return res
}

func (e *Engine) ingestBatch(ctx context.Context, t Target, b *batch) Result {
	var res Result
	up, err := e.store.UpsertContact(ctx, store.Contact{
		TenantID:           e.tenant,
		Phone:              b.phone,
		Name:               b.name,
		LastMessageAt:      b.latest.CreatedAt,
		LastMessagePreview: normalize.Truncate(b.latest.Content, normalize.PreviewLength),
	})
	if err != nil {
		t.logf("contact %s not saved: %v", b.phone, err)
		res.Skipped += len(b.messages)
		return res
	}
	if up.Created {
		res.ContactsCreated++
	}

	for _, f := range b.messages {
		in, err := e.store.InsertMessage(ctx, f.Record(e.tenant, up.Contact.ID))
		if err != nil {
			t.logf("message %s not saved: %v", f.ExternalID, err)
			res.Skipped++
			continue
		}
		if in.StatusUpdated {
			res.StatusUpdated++
		}
		if !in.Inserted {
			res.MessagesSkipped++
			continue
		}
		res.MessagesInserted++
		if t.Hooks.OnMessage != nil {
			t.Hooks.OnMessage(in.Message, up.Contact)
		}
	}
	return res
}

// ApplyStatus applies delivery acknowledgements. Statuses only move forward.
func (e *Engine) ApplyStatus(ctx context.Context, t Target, raws []json.RawMessage) Result {
	var res Result
	for _, raw := range raws {
		u, gap := normalize.Status(raw)
		if gap != nil {
			if !gap.Ignorable {
				t.logf("status skipped: %s", gap)
			}
			res.Skipped++
			continue
		}
		ok, err := e.store.UpdateMessageStatus(ctx, e.tenant, u.ExternalID, u.Status)
		if err != nil {
			t.logf("status of %s not saved: %v", u.ExternalID, err)
			continue
		}
		if ok {
			res.StatusUpdated++
		}
	}
	return res
}
