package service

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/issue-tracker/internal/auth"
	"github.com/spec-kit/issue-tracker/internal/config"
	"github.com/spec-kit/issue-tracker/internal/domain"
	"github.com/spec-kit/issue-tracker/internal/events"
	"github.com/spec-kit/issue-tracker/internal/repository"
	apperrors "github.com/spec-kit/issue-tracker/pkg/util/errorutil"
)

type fixture struct {
	store   *repository.MemoryStore
	auth    *AuthService
	tickets *TicketService
	events  *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	dispatcher := events.NewInMemoryDispatcher()
	recorder := &eventRecorder{}
	for _, et := range []events.EventType{
		events.EventTicketCreated,
		events.EventTicketUpdated,
		events.EventTicketStatusChanged,
		events.EventTicketAssigned,
		events.EventTicketDeleted,
	} {
		dispatcher.Subscribe(et, recorder.handle)
	}
	NewNotificationService(dispatcher, nil, config.NotificationConfig{EmailFrom: "noreply@example.com"}).RegisterHandlers()

	authSvc := NewAuthService(AuthDependencies{
		UserRepo: store.Users(),
		Hasher:   auth.NewBcryptHasher(4),
		Tokens:   auth.NewTokenManager("secret", time.Hour),
	})
	ticketSvc := NewTicketService(TicketDependencies{
		TicketRepo: store.Tickets(),
		Users:      NewUserDirectory(store.Users(), nil, nil),
		Dispatcher: dispatcher,
	})
	return &fixture{store: store, auth: authSvc, tickets: ticketSvc, events: recorder}
}

func (f *fixture) register(t *testing.T, name string, role domain.Role) domain.Principal {
	t.Helper()
	res, err := f.auth.Register(context.Background(), name, name+"@example.com", "password", string(role))
	require.NoError(t, err)
	return domain.Principal{ID: res.User.ID, Role: res.User.Role}
}

func (f *fixture) create(t *testing.T, p domain.Principal, title string) *domain.TicketView {
	t.Helper()
	v, err := f.tickets.Create(context.Background(), p, TicketCreateInput{Title: title, Description: "details"})
	require.NoError(t, err)
	return v
}

func strPtr(s string) *string { return &s }

func requireCode(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, status, apperrors.ToDomainError(err).HTTPStatus, err.Error())
}

func viewIDs(views []domain.TicketView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.ID)
	}
	sort.Strings(out)
	return out
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.auth.Register(ctx, "Ada", " Ada@Example.com ", "s3cret", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleClient, res.User.Role)
	assert.Equal(t, "ada@example.com", res.User.Email)
	assert.NotEqual(t, "s3cret", res.User.PasswordHash)
	assert.NotEmpty(t, res.Token)

	principal, err := f.auth.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, principal.ID)

	_, err = f.auth.Register(ctx, "Imposter", "ada@example.com", "other", "admin")
	requireCode(t, err, http.StatusConflict)

	login, err := f.auth.Login(ctx, "ada@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, login.User.ID)
	assert.Equal(t, domain.RoleClient, login.User.Role)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.auth.Register(ctx, "", "a@example.com", "pw", "")
	requireCode(t, err, http.StatusBadRequest)
	_, err = f.auth.Register(ctx, "A", "not-an-email", "pw", "")
	requireCode(t, err, http.StatusBadRequest)
	_, err = f.auth.Register(ctx, "A", "a@example.com", "pw", "root")
	requireCode(t, err, http.StatusBadRequest)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "bob", domain.RoleClient)

	_, unknown := f.auth.Login(ctx, "nobody@example.com", "password")
	_, wrong := f.auth.Login(ctx, "bob@example.com", "nope")
	requireCode(t, unknown, http.StatusUnauthorized)
	requireCode(t, wrong, http.StatusUnauthorized)
	assert.Equal(t, unknown.Error(), wrong.Error())
}

func TestVerifyRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.auth.Verify("garbage")
	requireCode(t, err, http.StatusUnauthorized)
}

func TestListUsersRequiresAssignCapability(t *testing.T) {
	f := newFixture(t)
	client := f.register(t, "carol", domain.RoleClient)
	dev := f.register(t, "dave", domain.RoleDeveloper)

	_, err := f.auth.ListUsers(context.Background(), client)
	requireCode(t, err, http.StatusForbidden)

	users, err := f.auth.ListUsers(context.Background(), dev)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "carol", users[0].Name)
}

func TestCreateForcesReporterAndStatus(t *testing.T) {
	f := newFixture(t)
	client := f.register(t, "carol", domain.RoleClient)

	v := f.create(t, client, "  Broken login  ")
	assert.Equal(t, "Broken login", v.Title)
	assert.Equal(t, client.ID, v.ReporterID)
	assert.Equal(t, domain.TicketStatusNew, v.Status)
	assert.Equal(t, domain.TicketCategoryBug, v.Category)
	assert.Equal(t, domain.TicketPriorityMedium, v.Priority)
	assert.Nil(t, v.AssignedToID)
	require.NotNil(t, v.Reporter)
	assert.Equal(t, "carol", v.Reporter.Name)
	assert.Equal(t, []events.EventType{events.EventTicketCreated}, f.events.types())
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	client := f.register(t, "carol", domain.RoleClient)
	ctx := context.Background()

	_, err := f.tickets.Create(ctx, client, TicketCreateInput{Title: " ", Description: "x"})
	requireCode(t, err, http.StatusBadRequest)
	_, err = f.tickets.Create(ctx, client, TicketCreateInput{Title: "x", Description: "x", Priority: "urgent"})
	requireCode(t, err, http.StatusBadRequest)
	_, err = f.tickets.Create(ctx, domain.Principal{}, TicketCreateInput{Title: "x", Description: "x"})
	requireCode(t, err, http.StatusForbidden)
}

func TestListVisibilityNests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.register(t, "carol", domain.RoleClient)
	other := f.register(t, "oscar", domain.RoleClient)
	dev := f.register(t, "dave", domain.RoleDeveloper)
	admin := f.register(t, "alice", domain.RoleAdmin)

	mine := f.create(t, client, "mine")
	theirs := f.create(t, other, "theirs")
	devOwn := f.create(t, dev, "dev own")
	f.create(t, admin, "admin own")

	_, err := f.tickets.Update(ctx, admin, theirs.ID, TicketUpdateInput{
		Assignee: &domain.Assignment{UserID: strPtr(dev.ID)},
	})
	require.NoError(t, err)

	clientList, err := f.tickets.List(ctx, client, TicketListFilter{})
	require.NoError(t, err)
	devList, err := f.tickets.List(ctx, dev, TicketListFilter{})
	require.NoError(t, err)
	adminList, err := f.tickets.List(ctx, admin, TicketListFilter{})
	require.NoError(t, err)

	assert.Equal(t, []string{mine.ID}, viewIDs(clientList))
	assert.ElementsMatch(t, []string{theirs.ID, devOwn.ID}, viewIDs(devList))
	assert.Len(t, adminList, 4)

	for _, v := range devList {
		assert.Contains(t, viewIDs(adminList), v.ID)
	}

	none, err := f.tickets.List(ctx, domain.Principal{ID: "x", Role: "ghost"}, TicketListFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListNewestFirstAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.register(t, "alice", domain.RoleAdmin)
	first := f.create(t, admin, "first")
	second := f.create(t, admin, "second")

	list, err := f.tickets.List(ctx, admin, TicketListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	_, err = f.tickets.Update(ctx, admin, first.ID, TicketUpdateInput{Status: strPtr("closed")})
	require.NoError(t, err)
	closed, err := f.tickets.List(ctx, admin, TicketListFilter{Statuses: []string{"closed"}})
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, viewIDs(closed))

	_, err = f.tickets.List(ctx, admin, TicketListFilter{Statuses: []string{"done"}})
	requireCode(t, err, http.StatusBadRequest)
}

func TestGetHidesOtherTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.register(t, "carol", domain.RoleClient)
	other := f.register(t, "oscar", domain.RoleClient)
	v := f.create(t, client, "mine")

	got, err := f.tickets.Get(ctx, client, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)

	_, err = f.tickets.Get(ctx, other, v.ID)
	requireCode(t, err, http.StatusNotFound)
	_, err = f.tickets.Get(ctx, client, "missing")
	requireCode(t, err, http.StatusNotFound)
}

func TestClientStatusRestrictions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.register(t, "carol", domain.RoleClient)
	v := f.create(t, client, "mine")

	_, err := f.tickets.Update(ctx, client, v.ID, TicketUpdateInput{Status: strPtr("in-progress")})
	requireCode(t, err, http.StatusForbidden)

	got, err := f.tickets.Get(ctx, client, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusNew, got.Status)

	updated, err := f.tickets.Update(ctx, client, v.ID, TicketUpdateInput{Status: strPtr("resolved")})
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusResolved, updated.Status)
}

func TestClientAssigneeIsSilentlyDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.register(t, "carol", domain.RoleClient)
	dev := f.register(t, "dave", domain.RoleDeveloper)
	v := f.create(t, client, "mine")

	updated, err := f.tickets.Update(ctx, client, v.ID, TicketUpdateInput{
		Title:    strPtr("renamed"),
		Assignee: &domain.Assignment{UserID: strPtr(dev.ID)},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.Nil(t, updated.AssignedToID)
	assert.Nil(t, updated.Assignee)
}

func TestClientCannotUpdateOthersTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.register(t, "carol", domain.RoleClient)
	other := f.register(t, "oscar", domain.RoleClient)
	v := f.create(t, other, "theirs")

	_, err := f.tickets.Update(ctx, client, v.ID, TicketUpdateInput{Title: strPtr("mine now")})
	requireCode(t, err, http.StatusNotFound)
}

func TestDeveloperAssignsAndUnassigns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.register(t, "carol", domain.RoleClient)
	dev := f.register(t, "dave", domain.RoleDeveloper)
	v := f.create(t, client, "bug")
	f.events.reset()

	assigned, err := f.tickets.Update(ctx, dev, v.ID, TicketUpdateInput{
		Status:   strPtr("assigned"),
		Assignee: &domain.Assignment{UserID: strPtr(dev.ID)},
	})
	require.NoError(t, err)
	require.NotNil(t, assigned.Assignee)
	assert.Equal(t, "dave", assigned.Assignee.Name)
	assert.Equal(t, client.ID, assigned.ReporterID)
	assert.Equal(t, []events.EventType{
		events.EventTicketUpdated,
		events.EventTicketStatusChanged,
		events.EventTicketAssigned,
	}, f.events.types())

	_, err = f.tickets.Update(ctx, dev, v.ID, TicketUpdateInput{
		Assignee: &domain.Assignment{UserID: strPtr("nobody")},
	})
	requireCode(t, err, http.StatusBadRequest)

	cleared, err := f.tickets.Update(ctx, dev, v.ID, TicketUpdateInput{Assignee: &domain.Assignment{}})
	require.NoError(t, err)
	assert.Nil(t, cleared.AssignedToID)
	assert.Nil(t, cleared.Assignee)
}

func TestUpdateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.register(t, "alice", domain.RoleAdmin)
	v := f.create(t, admin, "x")

	_, err := f.tickets.Update(ctx, admin, v.ID, TicketUpdateInput{Status: strPtr("done")})
	requireCode(t, err, http.StatusBadRequest)
	_, err = f.tickets.Update(ctx, admin, v.ID, TicketUpdateInput{Title: strPtr("  ")})
	requireCode(t, err, http.StatusBadRequest)
	_, err = f.tickets.Update(ctx, admin, v.ID, TicketUpdateInput{Category: strPtr("")})
	requireCode(t, err, http.StatusBadRequest)
	_, err = f.tickets.Update(ctx, admin, "missing", TicketUpdateInput{Title: strPtr("y")})
	requireCode(t, err, http.StatusNotFound)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := f.register(t, "carol", domain.RoleClient)
	dev := f.register(t, "dave", domain.RoleDeveloper)
	admin := f.register(t, "alice", domain.RoleAdmin)
	v := f.create(t, client, "mine")

	requireCode(t, f.tickets.Delete(ctx, client, v.ID), http.StatusForbidden)
	requireCode(t, f.tickets.Delete(ctx, dev, v.ID), http.StatusForbidden)
	_, err := f.tickets.Get(ctx, client, v.ID)
	require.NoError(t, err)

	require.NoError(t, f.tickets.Delete(ctx, admin, v.ID))
	_, err = f.tickets.Get(ctx, admin, v.ID)
	requireCode(t, err, http.StatusNotFound)
	requireCode(t, f.tickets.Delete(ctx, admin, v.ID), http.StatusNotFound)
}

type mapSummaryCache struct {
	mu      sync.Mutex
	entries map[string]domain.UserSummary
	failGet bool
}

func (m *mapSummaryCache) GetMany(_ context.Context, ids []string) (map[string]domain.UserSummary, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, ids, errors.New("cache down")
	}
	found := map[string]domain.UserSummary{}
	var missing []string
	for _, id := range ids {
		if s, ok := m.entries[id]; ok {
			found[id] = s
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

func (m *mapSummaryCache) SetMany(_ context.Context, summaries []domain.UserSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range summaries {
		m.entries[s.ID] = s
	}
	return nil
}

func TestUserDirectoryReadsThroughCache(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	user := &domain.User{ID: "u1", Name: "Ada", Email: "ada@example.com", Role: domain.RoleDeveloper}
	require.NoError(t, store.Users().Create(ctx, user))

	c := &mapSummaryCache{entries: map[string]domain.UserSummary{}}
	dir := NewUserDirectory(store.Users(), c, nil)

	got, err := dir.Resolve(ctx, []string{"u1", "u1", "ghost", ""})
	require.NoError(t, err)
	assert.Equal(t, map[string]domain.UserSummary{"u1": user.Summary()}, got)
	assert.Contains(t, c.entries, "u1")
	assert.NotContains(t, c.entries, "ghost")

	c.entries["u1"] = domain.UserSummary{ID: "u1", Name: "Cached", Role: domain.RoleDeveloper}
	got, err = dir.Resolve(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, "Cached", got["u1"].Name)

	c.failGet = true
	got, err = dir.Resolve(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["u1"].Name)

	exists, err := dir.Exists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = dir.Exists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists)
}
