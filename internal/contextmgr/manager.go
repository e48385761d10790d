// Package contextmgr collects supplementary prompt content from pluggable
// providers and tracks which items the user selected.
package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/autopilot/internal/core"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/llm"
	"github.com/codefionn/autopilot/internal/logger"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownItem is returned when selecting an id no provider offers.
var ErrUnknownItem = errors.New("unknown context item")

// Provider offers context items.
type Provider interface {
	// Title is the stable provider id used as the item id prefix.
	Title() string
	Description() string
	Items(ctx context.Context, editor ide.IDE) ([]core.ContextItem, error)
}

// QueryProvider builds an item from free text, such as a URL.
type QueryProvider interface {
	Provider
	Query(ctx context.Context, editor ide.IDE, query string) (core.ContextItem, error)
}

// Manager owns the providers of a session and the selected items.
type Manager struct {
	log       *logger.Logger
	providers []Provider
	byTitle   map[string]Provider

	mu       sync.Mutex
	offered  map[string]core.ContextItem
	selected []core.ContextItem
}

// NewManager returns a manager over providers. Providers with a duplicate
// title are dropped.
func NewManager(log *logger.Logger, providers ...Provider) *Manager {
	m := &Manager{
		log:     logger.OrNop(log).WithPrefix("context"),
		byTitle: make(map[string]Provider),
		offered: make(map[string]core.ContextItem),
	}
	for _, p := range providers {
		if _, dup := m.byTitle[p.Title()]; dup {
			m.log.Warn("duplicate context provider %s", p.Title())
			continue
		}
		m.byTitle[p.Title()] = p
		m.providers = append(m.providers, p)
	}
	return m
}

// Providers lists the registered providers in order.
func (m *Manager) Providers() []Provider {
	return append([]Provider(nil), m.providers...)
}

// ProvideAll asks every provider for its items concurrently. A failing
// provider is logged and contributes nothing.
func (m *Manager) ProvideAll(ctx context.Context, editor ide.IDE) map[string][]core.ContextItem {
	results := make([][]core.ContextItem, len(m.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range m.providers {
		g.Go(func() error {
			items, err := p.Items(gctx, editor)
			if err != nil {
				m.log.Warn("provider %s failed: %v", p.Title(), err)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string][]core.ContextItem, len(m.providers))
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.providers {
		out[p.Title()] = results[i]
		for _, item := range results[i] {
			m.offered[item.ID.String()] = item
		}
	}
	return out
}

// SelectContextItem selects the item with id "provider-item". Items not
// offered yet are looked up by refreshing their provider; for a
// QueryProvider a non-empty query builds the item instead.
func (m *Manager) SelectContextItem(ctx context.Context, editor ide.IDE, id, query string) error {
	providerTitle, _, _ := strings.Cut(id, "-")
	p, ok := m.byTitle[providerTitle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}

	if qp, ok := p.(QueryProvider); ok && query != "" {
		item, err := qp.Query(ctx, editor, query)
		if err != nil {
			return err
		}
		m.selectItem(item)
		return nil
	}

	m.mu.Lock()
	item, ok := m.offered[id]
	m.mu.Unlock()
	if !ok {
		items, err := p.Items(ctx, editor)
		if err != nil {
			return fmt.Errorf("failed to refresh %s: %w", providerTitle, err)
		}
		for _, it := range items {
			if it.ID.String() == id {
				item, ok = it, true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	m.selectItem(item)
	return nil
}

func (m *Manager) selectItem(item core.ContextItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offered[item.ID.String()] = item
	for i, existing := range m.selected {
		if existing.ID == item.ID {
			m.selected[i] = item
			return
		}
	}
	m.selected = append(m.selected, item)
}

// DeleteContextWithIDs unselects the given items.
func (m *Manager) DeleteContextWithIDs(ids []string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.selected[:0]
	for _, item := range m.selected {
		if !drop[item.ID.String()] {
			kept = append(kept, item)
		}
	}
	m.selected = kept
}

// ClearContext unselects everything.
func (m *Manager) ClearContext() {
	m.mu.Lock()
	m.selected = nil
	m.mu.Unlock()
}

// SelectedItems returns a copy of the selection.
func (m *Manager) SelectedItems() []core.ContextItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.ContextItem(nil), m.selected...)
}

// ChatMessages renders the selection as user messages, in selection order.
func (m *Manager) ChatMessages() []*core.ChatMessage {
	items := m.SelectedItems()
	msgs := make([]*core.ChatMessage, 0, len(items))
	for _, item := range items {
		msgs = append(msgs, &core.ChatMessage{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("%s (%s)\n```\n%s\n```", item.Name, item.Description, item.Content),
			Summary: item.Description,
		})
	}
	return msgs
}

// itemID derives a stable item id from the parts identifying an item.
func itemID(provider string, parts ...string) core.ContextItemID {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(p)
		_, _ = h.Write([]byte{0})
	}
	return core.ContextItemID{ProviderTitle: provider, ItemID: strconv.FormatUint(h.Sum64(), 16)}
}
