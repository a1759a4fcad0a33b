package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fanvault/tokend/internal/logging"
	"github.com/fanvault/tokend/internal/storage/table"
	"github.com/fanvault/tokend/internal/timeutil"
)

// Store is the slice of the table store the ledger uses. *table.KVStore
// satisfies it; tests wrap it to exercise index-unavailable fallbacks.
type Store interface {
	Put(ctx context.Context, tbl string, row table.Row) error
	Get(ctx context.Context, tbl, id string) (table.Row, error)
	UpdateConditional(ctx context.Context, tbl, id string, mutations table.Row, cond table.Condition) (table.Row, error)
	Delete(ctx context.Context, tbl, id string) error
	QueryByIndex(ctx context.Context, tbl, index, hashValue string, rng table.RangeCond, opts table.QueryOptions) ([]table.Row, error)
	Scan(ctx context.Context, tbl string, opts table.ScanOptions) ([]table.Row, error)
	Count(ctx context.Context, tbl string) (int64, error)
	EnsureIndex(ctx context.Context, tbl string, def table.Index) error
}

// PaymentService is the optional external side-effect surface. Failures are
// collected and logged; they never fail the ledger write that triggered
// them.
type PaymentService interface {
	GrantAccess(ctx context.Context, userID, refID string) error
	DenyAccess(ctx context.Context, userID, refID string) error
	SaveToken(ctx context.Context, userID string, metadata map[string]any) error
	OrderSessions(ctx context.Context, refID string) ([]map[string]any, error)
}

// EventPublisher receives every written or mutated entry. Implementations
// must not block; the ledger calls it synchronously after the write lands.
type EventPublisher interface {
	PublishEntry(e *Entry)
}

// Archiver persists entries removed by retention. Implementations live in
// the relational archive store.
type Archiver interface {
	ArchiveEntry(ctx context.Context, e *Entry) error
}

// Manager is the token ledger core. All methods are safe for concurrent
// use; single-row consistency comes from version-conditional updates in the
// table store, and balance reads are eventually consistent.
type Manager struct {
	store     Store
	table     string
	log       *logging.Logger
	payment   PaymentService
	publisher EventPublisher
	archive   Archiver

	now   func() time.Time
	newID func() string

	flight singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *logging.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithTable overrides the registry table name.
func WithTable(name string) Option {
	return func(m *Manager) { m.table = name }
}

// WithPaymentService wires the optional external entitlement service.
func WithPaymentService(p PaymentService) Option {
	return func(m *Manager) { m.payment = p }
}

// WithPublisher wires the event stream hook.
func WithPublisher(p EventPublisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithArchiver wires the retention archive.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archive = a }
}

// WithClock overrides the clock. Tests pin it to step through expiry windows
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager builds a ledger over the given store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		table: RegistryTable,
		log:   logging.NewNop(),
		now:   timeutil.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Indexes returns the secondary index definitions the ledger maintains.
func Indexes() []table.Index {
	return []table.Index{
		{Name: IndexUserCreated, HashKey: attrUserID, RangeKey: attrCreatedAt},
		{Name: IndexBeneficiaryCreated, HashKey: attrBeneficiaryID, RangeKey: attrCreatedAt},
		{Name: IndexUserExpires, HashKey: attrUserID, RangeKey: attrExpiresAt},
		{Name: IndexUserRef, HashKey: attrUserID, RangeKey: attrRefID},
		{Name: IndexRefType, HashKey: attrRefID, RangeKey: attrType},
		{Name: IndexRefState, HashKey: attrRefID, RangeKey: attrState},
		{Name: IndexTypeExpires, HashKey: attrType, RangeKey: attrExpiresAt},
	}
}

// EnsureIndexes registers every ledger index. Existing definitions are
// accepted; new ones start backfilling and reads fall back to scans until
// they are ready.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	for _, def := range Indexes() {
		if err := m.store.EnsureIndex(ctx, m.table, def); err != nil {
			return err
		}
	}
	return nil
}

// Get loads one event by id.
func (m *Manager) Get(ctx context.Context, id string) (*Entry, error) {
	if id == "" {
		return nil, ErrMissingIdentifier
	}
	row, err := m.store.Get(ctx, m.table, id)
	if err != nil {
		if errors.Is(err, table.ErrRowNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	e, err := decodeEntry(row)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Log exposes the manager's logger for surfaces that report collected
// corruption alongside their own output.
func (m *Manager) Log() *logging.Logger {
	return m.log
}

// nowISO is the write timestamp in canonical millisecond ISO form.
func (m *Manager) nowISO() string {
	return timeutil.FormatISO(m.now())
}

// isPast evaluates an expiry against the manager clock. Malformed values
// never expire.
func (m *Manager) isPast(iso string) bool {
	if iso == "" || iso == NeverExpires {
		return false
	}
	t, ok := timeutil.Parse(iso)
	if !ok {
		return false
	}
	return t.Before(m.now())
}

// publish hands the entry to the event stream when one is wired.
func (m *Manager) publish(e *Entry) {
	if m.publisher != nil {
		m.publisher.PublishEntry(e)
	}
}

// sideEffect runs an optional payment-service call. Absence of the service
// and call failures are both non-fatal.
func (m *Manager) sideEffect(name string, fn func() error) {
	if m.payment == nil {
		return
	}
	if err := fn(); err != nil {
		m.log.AddError("payment service call failed: "+err.Error(), logging.Fields{"action": name})
	}
}
