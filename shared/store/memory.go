package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aaronwang/marketplace/shared/models"
	"github.com/google/uuid"
)

type triple struct {
	seller, buyer, product string
}

// Memory is an in-process store with the same locking and conditional update
// semantics as the Postgres driver. State is lost on restart.
type Memory struct {
	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	products      map[string]*models.Product
	bids          map[string]*models.Bid
	productBids   map[string][]string
	notifications map[string][]*models.Notification
	conversations map[string]*models.Conversation
	byTriple      map[triple]string
	messages      map[string][]*models.Message
	users         map[string]*models.User
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		locks:         make(map[string]*sync.Mutex),
		products:      make(map[string]*models.Product),
		bids:          make(map[string]*models.Bid),
		productBids:   make(map[string][]string),
		notifications: make(map[string][]*models.Notification),
		conversations: make(map[string]*models.Conversation),
		byTriple:      make(map[triple]string),
		messages:      make(map[string][]*models.Message),
		users:         make(map[string]*models.User),
	}
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}

func cloneProduct(p *models.Product) *models.Product {
	cp := *p
	if p.BidEndTime != nil {
		t := *p.BidEndTime
		cp.BidEndTime = &t
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func cloneBid(b *models.Bid) *models.Bid {
	cp := *b
	return &cp
}

func cloneNotification(n *models.Notification) *models.Notification {
	cp := *n
	if n.Metadata != nil {
		cp.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	if n.ReadAt != nil {
		t := *n.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	return &cp
}

func (m *Memory) productLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// CreateProduct stores a copy of p
func (m *Memory) CreateProduct(_ context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = cloneProduct(p)
	return nil
}

// GetProduct returns a copy of the product
func (m *Memory) GetProduct(_ context.Context, id string) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProduct(p), nil
}

// GetBid returns a copy of the bid
func (m *Memory) GetBid(_ context.Context, id string) (*models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBid(b), nil
}

func (m *Memory) bidsOf(productID string) []*models.Bid {
	ids := m.productBids[productID]
	out := make([]*models.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneBid(m.bids[id]))
	}
	return out
}

// ListBids returns the product's bids ranked for display
func (m *Memory) ListBids(_ context.Context, productID string) ([]*models.Bid, error) {
	m.mu.Lock()
	bids := m.bidsOf(productID)
	m.mu.Unlock()

	sort.SliceStable(bids, func(i, j int) bool {
		if c := bids[i].Amount.Cmp(bids[j].Amount); c != 0 {
			return c > 0
		}
		if !bids[i].CreatedAt.Equal(bids[j].CreatedAt) {
			return bids[i].CreatedAt.Before(bids[j].CreatedAt)
		}
		return bids[i].ID < bids[j].ID
	})
	return bids, nil
}

// ListExpiredAuctions returns overdue open auctions, oldest deadline first
func (m *Memory) ListExpiredAuctions(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	var due []*models.Product
	for _, p := range m.products {
		if p.Expired(now) {
			due = append(due, p)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].BidEndTime.Before(*due[j].BidEndTime) })
	return limitIDs(len(due), limit, func(i int) string { return due[i].ID }), nil
}

// ListArchivable returns closed products due for history
func (m *Memory) ListArchivable(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	var due []*models.Product
	for _, p := range m.products {
		if p.Closed && !p.Archived && p.ClosedAt != nil && !p.ClosedAt.After(cutoff) {
			due = append(due, p)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ClosedAt.Before(*due[j].ClosedAt) })
	return limitIDs(len(due), limit, func(i int) string { return due[i].ID }), nil
}

func limitIDs(n, limit int, id func(int) string) []string {
	if limit > 0 && n > limit {
		n = limit
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, id(i))
	}
	return ids
}

// ArchiveAuction conditionally moves a closed product to history
func (m *Memory) ArchiveAuction(_ context.Context, productID string, cutoff time.Time) (bool, error) {
	l := m.productLock(productID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok || !p.Closed || p.Archived || p.ClosedAt == nil || p.ClosedAt.After(cutoff) {
		return false, nil
	}
	p.Archived = true
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

// WithProductLock runs fn holding the product's lock; staged writes are
// applied only when fn succeeds
func (m *Memory) WithProductLock(ctx context.Context, productID string, fn func(tx ProductTx) error) error {
	l := m.productLock(productID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	p, ok := m.products[productID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	tx := &memTx{store: m, product: cloneProduct(p), bids: m.bidsOf(productID)}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.productDirty {
		m.products[tx.product.ID] = cloneProduct(tx.product)
	}
	for _, b := range tx.bids {
		if _, exists := m.bids[b.ID]; !exists {
			m.productBids[b.ProductID] = append(m.productBids[b.ProductID], b.ID)
		}
		m.bids[b.ID] = cloneBid(b)
	}
	for _, n := range tx.notifications {
		m.notifications[n.RecipientID] = append(m.notifications[n.RecipientID], cloneNotification(n))
	}
}

type memTx struct {
	store         *Memory
	product       *models.Product
	productDirty  bool
	bids          []*models.Bid
	notifications []*models.Notification
}

func (t *memTx) Product() *models.Product {
	return t.product
}

func (t *memTx) Bids(_ context.Context) ([]*models.Bid, error) {
	out := make([]*models.Bid, 0, len(t.bids))
	for _, b := range t.bids {
		out = append(out, cloneBid(b))
	}
	return out, nil
}

func (t *memTx) InsertBid(_ context.Context, b *models.Bid) error {
	t.bids = append(t.bids, cloneBid(b))
	return nil
}

func (t *memTx) UpdateBidStatus(_ context.Context, bidID string, from, to models.BidStatus, at time.Time) error {
	for _, b := range t.bids {
		if b.ID != bidID {
			continue
		}
		if b.Status != from {
			return ErrStaleBid
		}
		b.Status = to
		b.UpdatedAt = at
		return nil
	}
	return ErrStaleBid
}

func (t *memTx) CloseAuction(_ context.Context, c Closure) error {
	if t.product.Closed {
		return ErrAlreadyClosed
	}
	closedAt := c.ClosedAt
	t.product.Closed = true
	t.product.ClosedAt = &closedAt
	t.product.Sold = c.WinnerBidID != ""
	t.product.UpdatedAt = closedAt
	t.productDirty = true

	for _, b := range t.bids {
		b.Winner = b.ID == c.WinnerBidID
		if !b.Winner {
			b.Status = models.BidStatusRejected
		}
		b.UpdatedAt = closedAt
	}
	return nil
}

func (t *memTx) InsertNotification(_ context.Context, n *models.Notification) error {
	t.notifications = append(t.notifications, cloneNotification(n))
	return nil
}

// GetOrCreateConversation writes through to the store instead of staging, so
// a conversation created concurrently for the same triple is the one returned
// here. A rolled back close leaves the conversation in place; get-or-create
// reuses it.
func (t *memTx) GetOrCreateConversation(ctx context.Context, sellerID, buyerID, productID string) (*models.Conversation, bool, error) {
	return t.store.GetOrCreateConversation(ctx, sellerID, buyerID, productID)
}

// CreateNotification stores a notification
func (m *Memory) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.RecipientID] = append(m.notifications[n.RecipientID], cloneNotification(n))
	return nil
}

// ListUnreadNotifications returns unread notifications oldest first
func (m *Memory) ListUnreadNotifications(_ context.Context, userID string) ([]*models.Notification, error) {
	m.mu.Lock()
	var out []*models.Notification
	for _, n := range m.notifications[userID] {
		if !n.IsRead {
			out = append(out, cloneNotification(n))
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkNotificationsRead flips unread notifications to read
func (m *Memory) MarkNotificationsRead(_ context.Context, userID string, ids []string, at time.Time) (int64, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, notif := range m.notifications[userID] {
		if notif.IsRead || (len(ids) > 0 && !want[notif.ID]) {
			continue
		}
		readAt := at
		notif.IsRead = true
		notif.ReadAt = &readAt
		n++
	}
	return n, nil
}

// GetConversation returns a copy of the conversation
func (m *Memory) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

// GetOrCreateConversation is idempotent on the (seller, buyer, product) triple
func (m *Memory) GetOrCreateConversation(_ context.Context, sellerID, buyerID, productID string) (*models.Conversation, bool, error) {
	key := triple{sellerID, buyerID, productID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byTriple[key]; ok {
		return cloneConversation(m.conversations[id]), false, nil
	}
	c := &models.Conversation{
		ID:        uuid.New().String(),
		SellerID:  sellerID,
		BuyerID:   buyerID,
		ProductID: productID,
		CreatedAt: time.Now().UTC(),
	}
	m.byTriple[key] = c.ID
	m.conversations[c.ID] = c
	return cloneConversation(c), true, nil
}

// ListConversations returns conversations where userID takes part, newest first
func (m *Memory) ListConversations(_ context.Context, userID string) ([]*models.Conversation, error) {
	m.mu.Lock()
	var out []*models.Conversation
	for _, c := range m.conversations {
		if c.HasParticipant(userID) {
			out = append(out, cloneConversation(c))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CreateMessage stores a chat message
func (m *Memory) CreateMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

// ListMessages returns the latest limit messages in chronological order
func (m *Memory) ListMessages(_ context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]*models.Message, 0, len(all)-start)
	for _, msg := range all[start:] {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

// MarkMessagesSeen flags the counterpart's messages as seen by viewerID
func (m *Memory) MarkMessagesSeen(_ context.Context, conversationID, viewerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != viewerID && !msg.Seen {
			msg.Seen = true
			n++
		}
	}
	return n, nil
}

// UpsertUser stores a user record
func (m *Memory) UpsertUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

// GetUser returns a copy of the user
func (m *Memory) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// AdminIDs lists every admin user id
func (m *Memory) AdminIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, u := range m.users {
		if u.IsAdmin {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Store = (*Memory)(nil)
