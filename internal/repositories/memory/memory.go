// Package memory provides in-process implementations of the repository
// interfaces. They back the memory store driver and the service tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"github.com/google/uuid"
)

// Store holds every table behind one mutex.
type Store struct {
	mu          sync.Mutex
	staff       map[string]*models.StaffAccount
	enrollments map[string]*models.MFAEnrollment
	codes       map[string]*models.OneTimeCode
	backup      map[string]*models.BackupCode
	sessions    map[string]*models.Session
	devices     map[string]*models.Device
	lockouts    map[string]*models.LockoutRecord
	audit       []*models.AuditEvent
}

func NewStore() *Store {
	return &Store{
		staff:       make(map[string]*models.StaffAccount),
		enrollments: make(map[string]*models.MFAEnrollment),
		codes:       make(map[string]*models.OneTimeCode),
		backup:      make(map[string]*models.BackupCode),
		sessions:    make(map[string]*models.Session),
		devices:     make(map[string]*models.Device),
		lockouts:    make(map[string]*models.LockoutRecord),
	}
}

func (s *Store) Staff() *StaffRepository              { return &StaffRepository{s} }
func (s *Store) Enrollments() *EnrollmentRepository   { return &EnrollmentRepository{s} }
func (s *Store) OneTimeCodes() *OneTimeCodeRepository { return &OneTimeCodeRepository{s} }
func (s *Store) BackupCodes() *BackupCodeRepository   { return &BackupCodeRepository{s} }
func (s *Store) Sessions() *SessionRepository         { return &SessionRepository{s} }
func (s *Store) Devices() *DeviceRepository           { return &DeviceRepository{s} }
func (s *Store) Lockouts() *LockoutRepository         { return &LockoutRepository{s} }
func (s *Store) Audit() *AuditRepository              { return &AuditRepository{s} }

func newID() string { return uuid.New().String() }

// ============================================================================
// Staff
// ============================================================================

type StaffRepository struct{ s *Store }

func (r *StaffRepository) Create(_ context.Context, a *models.StaffAccount) (*models.StaffAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a.Email = models.NormalizeIdentifier(a.Email)
	for _, existing := range r.s.staff {
		if existing.Email == a.Email {
			return nil, models.ErrConflict
		}
	}

	a.ID = newID()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = models.StaffStatusActive
	}

	cp := *a
	r.s.staff[a.ID] = &cp
	out := cp
	return &out, nil
}

func (r *StaffRepository) GetByID(_ context.Context, id string) (*models.StaffAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.staff[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *StaffRepository) GetByEmail(_ context.Context, email string) (*models.StaffAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, a := range r.s.staff {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *StaffRepository) UpdateStatus(_ context.Context, id, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.staff[id]
	if !ok {
		return models.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (r *StaffRepository) UpdatePassword(_ context.Context, id, passwordHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.staff[id]
	if !ok {
		return models.ErrNotFound
	}
	a.PasswordHash = passwordHash
	a.UpdatedAt = time.Now()
	return nil
}

func (r *StaffRepository) List(_ context.Context, limit, offset int) ([]*models.StaffAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	all := make([]*models.StaffAccount, 0, len(r.s.staff))
	for _, a := range r.s.staff {
		cp := *a
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), nil
}

// ============================================================================
// Enrollments
// ============================================================================

type EnrollmentRepository struct{ s *Store }

func cloneEnrollment(e *models.MFAEnrollment) *models.MFAEnrollment {
	cp := *e
	cp.SecretEncrypted = slices.Clone(e.SecretEncrypted)
	cp.SecretNonce = slices.Clone(e.SecretNonce)
	cp.CredentialData = slices.Clone(e.CredentialData)
	return &cp
}

func (r *EnrollmentRepository) Create(_ context.Context, e *models.MFAEnrollment) (*models.MFAEnrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e.ID = newID()
	e.CreatedAt = time.Now()
	r.s.enrollments[e.ID] = cloneEnrollment(e)
	return cloneEnrollment(e), nil
}

func (r *EnrollmentRepository) GetByID(_ context.Context, id string) (*models.MFAEnrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.enrollments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneEnrollment(e), nil
}

func (r *EnrollmentRepository) list(match func(*models.MFAEnrollment) bool) []*models.MFAEnrollment {
	out := make([]*models.MFAEnrollment, 0)
	for _, e := range r.s.enrollments {
		if match(e) {
			out = append(out, cloneEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *EnrollmentRepository) ListByStaff(_ context.Context, staffID string) ([]*models.MFAEnrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.list(func(e *models.MFAEnrollment) bool { return e.StaffID == staffID }), nil
}

func (r *EnrollmentRepository) ListVerified(_ context.Context, staffID string, method models.MFAMethod) ([]*models.MFAEnrollment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	return r.list(func(e *models.MFAEnrollment) bool {
		return e.StaffID == staffID && e.Method == method && e.IsVerified()
	}), nil
}

func (r *EnrollmentRepository) CountVerified(_ context.Context, staffID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, e := range r.s.enrollments {
		if e.StaffID == staffID && e.IsVerified() {
			n++
		}
	}
	return n, nil
}

func (r *EnrollmentRepository) MarkVerified(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.enrollments[id]
	if !ok || e.IsVerified() {
		return models.ErrNotFound
	}
	e.VerifiedAt = &at
	return nil
}

func (r *EnrollmentRepository) AdvanceLastUsed(_ context.Context, id string, step time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.enrollments[id]
	if !ok {
		return false, nil
	}
	if e.LastUsedAt != nil && !e.LastUsedAt.Before(step) {
		return false, nil
	}
	e.LastUsedAt = &step
	return true, nil
}

func (r *EnrollmentRepository) UpdateCredential(_ context.Context, id string, data []byte) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.enrollments[id]
	if !ok {
		return models.ErrNotFound
	}
	e.CredentialData = slices.Clone(data)
	return nil
}

func (r *EnrollmentRepository) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.enrollments[id]; !ok {
		return models.ErrNotFound
	}
	delete(r.s.enrollments, id)
	return nil
}

// ============================================================================
// One-time codes
// ============================================================================

type OneTimeCodeRepository struct{ s *Store }

func inScope(c *models.OneTimeCode, staffID string, method models.MFAMethod, purpose, subject string) bool {
	return c.StaffID == staffID && c.Method == method && c.Purpose == purpose && c.Subject == subject
}

func (r *OneTimeCodeRepository) Create(_ context.Context, c *models.OneTimeCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if c.ID == "" {
		c.ID = newID()
	}
	cp := *c
	r.s.codes[c.ID] = &cp
	return nil
}

func (r *OneTimeCodeRepository) Lookup(_ context.Context, staffID string, method models.MFAMethod, purpose, subject, codeHash string) (*models.OneTimeCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var best *models.OneTimeCode
	for _, c := range r.s.codes {
		if !inScope(c, staffID, method, purpose, subject) || c.CodeHash != codeHash {
			continue
		}
		if best == nil || c.IssuedAt.After(best.IssuedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *OneTimeCodeRepository) Consume(_ context.Context, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.codes[id]
	if !ok || c.IsConsumed() {
		return false, nil
	}
	c.ConsumedAt = &at
	return true, nil
}

func (r *OneTimeCodeRepository) InvalidateOutstanding(_ context.Context, staffID string, method models.MFAMethod, purpose, subject string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.codes {
		if inScope(c, staffID, method, purpose, subject) && !c.IsConsumed() {
			t := at
			c.ConsumedAt = &t
		}
	}
	return nil
}

func (r *OneTimeCodeRepository) LatestIssuedAt(_ context.Context, staffID string, method models.MFAMethod, purpose, subject string) (time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest time.Time
	for _, c := range r.s.codes {
		if inScope(c, staffID, method, purpose, subject) && c.IssuedAt.After(latest) {
			latest = c.IssuedAt
		}
	}
	return latest, nil
}

func (r *OneTimeCodeRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, c := range r.s.codes {
		if c.ExpiresAt.Before(before) {
			delete(r.s.codes, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Backup codes
// ============================================================================

type BackupCodeRepository struct{ s *Store }

func (r *BackupCodeRepository) ReplaceAll(_ context.Context, staffID string, codes []*models.BackupCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for id, c := range r.s.backup {
		if c.StaffID == staffID {
			delete(r.s.backup, id)
		}
	}
	for _, c := range codes {
		if c.ID == "" {
			c.ID = newID()
		}
		c.StaffID = staffID
		cp := *c
		r.s.backup[c.ID] = &cp
	}
	return nil
}

func (r *BackupCodeRepository) List(_ context.Context, staffID string) ([]*models.BackupCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*models.BackupCode, 0)
	for _, c := range r.s.backup {
		if c.StaffID == staffID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *BackupCodeRepository) Consume(_ context.Context, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.backup[id]
	if !ok || c.IsUsed() {
		return false, nil
	}
	c.UsedAt = &at
	return true, nil
}

func (r *BackupCodeRepository) CountUnused(_ context.Context, staffID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, c := range r.s.backup {
		if c.StaffID == staffID && !c.IsUsed() {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Sessions
// ============================================================================

type SessionRepository struct{ s *Store }

func cloneSession(s *models.Session) *models.Session {
	cp := *s
	cp.FactorsSatisfied = slices.Clone(s.FactorsSatisfied)
	cp.Challenge = slices.Clone(s.Challenge)
	return &cp
}

func (r *SessionRepository) Create(_ context.Context, sess *models.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = newID()
	}
	r.s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (r *SessionRepository) GetByID(_ context.Context, id string) (*models.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (r *SessionRepository) Update(_ context.Context, sess *models.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.sessions[sess.ID]
	if !ok || cur.IsEnded() {
		return models.ErrSessionInvalid
	}
	// ended_at and end_reason only change through End*
	next := cloneSession(sess)
	next.EndedAt = cur.EndedAt
	next.EndReason = cur.EndReason
	r.s.sessions[sess.ID] = next
	return nil
}

func (r *SessionRepository) Touch(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sess, ok := r.s.sessions[id]; ok && !sess.IsEnded() {
		sess.LastSeenAt = at
	}
	return nil
}

func endSession(sess *models.Session, reason string, at time.Time) {
	sess.EndedAt = &at
	sess.EndReason = reason
	sess.State = models.SessionStateExpired
}

func (r *SessionRepository) End(_ context.Context, id, reason string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if sess, ok := r.s.sessions[id]; ok && !sess.IsEnded() {
		endSession(sess, reason, at)
	}
	return nil
}

func (r *SessionRepository) EndAllForStaff(_ context.Context, staffID, reason string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, sess := range r.s.sessions {
		if sess.StaffID == staffID && !sess.IsEnded() {
			endSession(sess, reason, at)
			n++
		}
	}
	return n, nil
}

func (r *SessionRepository) EndAllForDevice(_ context.Context, deviceID, reason string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for _, sess := range r.s.sessions {
		if deviceID != "" && sess.DeviceID == deviceID && !sess.IsEnded() {
			endSession(sess, reason, at)
			n++
		}
	}
	return n, nil
}

func (r *SessionRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, sess := range r.s.sessions {
		if sess.ExpiresAt.Before(before) || (sess.EndedAt != nil && sess.EndedAt.Before(before)) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Devices
// ============================================================================

type DeviceRepository struct{ s *Store }

func (r *DeviceRepository) Create(_ context.Context, d *models.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.devices {
		if existing.StaffID == d.StaffID && existing.Fingerprint == d.Fingerprint && existing.TrustState != models.TrustRevoked {
			return models.ErrConflict
		}
	}

	if d.ID == "" {
		d.ID = newID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	cp := *d
	r.s.devices[d.ID] = &cp
	return nil
}

func (r *DeviceRepository) GetByID(_ context.Context, id string) (*models.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.devices[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *DeviceRepository) GetLiveByFingerprint(_ context.Context, staffID, fingerprint string) (*models.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, d := range r.s.devices {
		if d.StaffID == staffID && d.Fingerprint == fingerprint && d.TrustState != models.TrustRevoked {
			cp := *d
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *DeviceRepository) ListByStaff(_ context.Context, staffID string) ([]*models.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*models.Device, 0)
	for _, d := range r.s.devices {
		if d.StaffID == staffID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *DeviceRepository) ListPending(_ context.Context, limit, offset int) ([]*models.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*models.Device, 0)
	for _, d := range r.s.devices {
		if d.TrustState == models.TrustPendingApproval {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *DeviceRepository) Update(_ context.Context, d *models.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.devices[d.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *d
	r.s.devices[d.ID] = &cp
	return nil
}

// ============================================================================
// Lockout
// ============================================================================

type LockoutRepository struct{ s *Store }

func (r *LockoutRepository) Get(_ context.Context, key string) (*models.LockoutRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.lockouts[key]
	if !ok {
		return &models.LockoutRecord{Key: key}, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *LockoutRepository) Mutate(_ context.Context, key string, fn func(*models.LockoutRecord) error) (*models.LockoutRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec := models.LockoutRecord{Key: key}
	if cur, ok := r.s.lockouts[key]; ok {
		rec = *cur
	}
	if err := fn(&rec); err != nil {
		return nil, err
	}
	stored := rec
	r.s.lockouts[key] = &stored
	return &rec, nil
}

// ============================================================================
// Audit
// ============================================================================

type AuditRepository struct{ s *Store }

func (r *AuditRepository) Append(_ context.Context, e *models.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	r.s.audit = append(r.s.audit, &cp)
	return nil
}

// maxAuditPage matches the Postgres repository cap
const maxAuditPage = 100

func (r *AuditRepository) Query(_ context.Context, f models.AuditFilter) ([]*models.AuditEvent, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	matched := make([]*models.AuditEvent, 0)
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		if e := r.s.audit[i]; f.Matches(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	limit := f.Limit
	if limit <= 0 || limit > maxAuditPage {
		limit = maxAuditPage
	}
	return page(matched, limit, f.Offset), int64(len(matched)), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
