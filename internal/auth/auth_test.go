package auth

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/idp"
	"github.com/auxhub/auxhub/internal/model"
	"github.com/auxhub/auxhub/internal/repository/memstore"
	"github.com/auxhub/auxhub/internal/token"
)

type fakeProvider struct {
	exchangeErr error
	profile     idp.Profile
	profileErr  error
	lastCode    string
}

var _ idp.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (string, error) {
	f.lastCode = code
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	return "provider-token", nil
}

func (f *fakeProvider) FetchProfile(context.Context, string) (idp.Profile, error) {
	if f.profileErr != nil {
		return idp.Profile{}, f.profileErr
	}
	return f.profile, nil
}

func newService(t *testing.T, provider *fakeProvider) (*Service, *memstore.AccountStore) {
	t.Helper()
	store := memstore.NewAccountStore()
	tokens := token.NewService([]byte("k"), 0, 0)
	return NewService(tokens, store, provider, zap.NewNop()), store
}

func TestLoginWithCode_CreatesAccount(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{profile: idp.Profile{ID: "42", EmailVerified: true, Roles: []string{token.RoleVerified}}}
	s, store := newService(t, provider)
	connID := uuid.Must(uuid.NewV4())

	login, err := s.LoginWithCode(context.Background(), "abc", connID)
	require.NoError(t, err)
	require.Equal(t, "abc", provider.lastCode)
	require.NotEmpty(t, login.AccessToken)
	require.NotEmpty(t, login.RefreshToken)
	require.Equal(t, int64(0), login.Account.Version)
	require.Equal(t, model.DefaultScope, login.Account.Scope)

	a, err := store.FindByPrincipal(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, int64(0), a.Version)
}

func TestLoginWithCode_NoMembership(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{profile: idp.Profile{ID: "42", EmailVerified: false, Roles: []string{token.RoleVerified}}}
	s, store := newService(t, provider)

	_, err := s.LoginWithCode(context.Background(), "abc", uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrMissingCredentials)

	// No account is created for unqualified principals.
	a, err := store.FindByPrincipal(context.Background(), "42")
	require.NoError(t, err)
	require.Nil(t, a)
}

func TestLoginWithCode_EmptyCodeAndProviderErrors(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{exchangeErr: errs.ErrWrongCredentials}
	s, _ := newService(t, provider)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	_, err := s.LoginWithCode(ctx, "", id)
	require.ErrorIs(t, err, errs.ErrMissingCredentials)

	_, err = s.LoginWithCode(ctx, "bad", id)
	require.ErrorIs(t, err, errs.ErrWrongCredentials)
}

func TestLoginWithRefresh_UnverifiedRejected(t *testing.T) {
	t.Parallel()
	s, store := newService(t, &fakeProvider{})
	store.PutAccount(model.Account{Principal: "42", EmailVerified: false, Version: 1})
	connID := uuid.Must(uuid.NewV4())

	a, err := store.FindByPrincipal(context.Background(), "42")
	require.NoError(t, err)

	// An account that would not qualify on a code login gets no session
	// from a refresh either.
	_, err = s.LoginWithRefresh(context.Background(), a, connID)
	require.ErrorIs(t, err, errs.ErrMissingCredentials)

	a.EmailVerified = true
	login, err := s.LoginWithRefresh(context.Background(), a, connID)
	require.NoError(t, err)
	require.Equal(t, token.LevelVerified, login.Level)
	require.NotEmpty(t, login.AccessToken)
}

func TestVerifyRefresh_VersionMonotonicity(t *testing.T) {
	t.Parallel()
	s, store := newService(t, &fakeProvider{})
	ctx := context.Background()
	store.PutAccount(model.Account{Principal: "42", EmailVerified: true, Version: 3})

	issue := func(ver int64) string {
		raw, err := s.tokens.IssueRefresh("42", ver)
		require.NoError(t, err)
		return raw
	}

	// Equal version: valid.
	account, principal, err := s.VerifyRefresh(ctx, issue(3))
	require.NoError(t, err)
	require.Equal(t, model.Principal("42"), account.Principal)
	require.Equal(t, model.Principal("42"), principal)

	// Ahead of storage: fraudulent, never a promotion.
	_, fraudPrincipal, err := s.VerifyRefresh(ctx, issue(5))
	require.ErrorIs(t, err, errs.ErrTokenFraudulent)
	require.Equal(t, model.Principal("42"), fraudPrincipal)

	// Behind storage: stale, routine rejection.
	_, _, err = s.VerifyRefresh(ctx, issue(2))
	require.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestVerifyRefresh_UnknownPrincipal(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, &fakeProvider{})
	raw, err := s.tokens.IssueRefresh("ghost", 0)
	require.NoError(t, err)
	_, _, err = s.VerifyRefresh(context.Background(), raw)
	require.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestFlagFraudulent_BumpsVersion(t *testing.T) {
	t.Parallel()
	s, store := newService(t, &fakeProvider{})
	store.PutAccount(model.Account{Principal: "42", Version: 3})

	s.FlagFraudulent(context.Background(), "42", uuid.Must(uuid.NewV4()))

	a, err := store.FindByPrincipal(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, int64(4), a.Version)
}

func TestLogin_PremiumAttached(t *testing.T) {
	t.Parallel()
	provider := &fakeProvider{profile: idp.Profile{ID: "42", EmailVerified: true, Roles: []string{token.RolePremium}}}
	s, store := newService(t, provider)
	store.PutEntitlement("42", model.Entitlement{Expiry: time.Now().Add(time.Hour), Neon: true, Antyduch: true})

	login, err := s.LoginWithCode(context.Background(), "abc", uuid.Must(uuid.NewV4()))
	require.NoError(t, err)
	require.Equal(t, token.LevelPremium, login.Level)
	require.NotNil(t, login.Premium)
	require.True(t, login.Premium.Neon)
	require.True(t, login.Premium.Antyduch)
	require.False(t, login.Premium.Animation)
}
