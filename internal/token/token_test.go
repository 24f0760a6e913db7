package token

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/auxhub/auxhub/internal/errs"
)

func TestAccessLevel_MaxFold(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name          string
		emailVerified bool
		roles         []string
		want          AccessLevel
	}{
		{"no roles", true, nil, LevelNone},
		{"verified role without verified email", false, []string{RoleVerified}, LevelNone},
		{"verified role with verified email", true, []string{RoleVerified}, LevelVerified},
		{"premium", false, []string{RolePremium}, LevelPremium},
		{"supporter", false, []string{RoleSupporter}, LevelPremium},
		{"tester beats premium", false, []string{RolePremium, RoleTester}, LevelTester},
		{"tester beats premium, reversed", false, []string{RoleTester, RolePremium}, LevelTester},
		{"elevated dominates everything", false, []string{RoleTester, RoleOwner, RolePremium}, LevelElevated},
		{"moderator is elevated", true, []string{RoleVerified, RoleModerator}, LevelElevated},
		{"unknown roles ignored", true, []string{"mascot"}, LevelNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NewAccessLevel(tc.emailVerified, tc.roles))
		})
	}
}

func TestService_AccessRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewService([]byte("k"), 0, 0)
	id := uuid.Must(uuid.NewV4())

	raw, err := s.IssueAccess(LevelTester, id)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	claims, err := s.VerifyAccess(raw)
	require.NoError(t, err)
	require.Equal(t, LevelTester, claims.Level)
	require.Equal(t, id.String(), claims.Subject)
}

func TestService_RefreshRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewService([]byte("k"), 0, 0)

	raw, err := s.IssueRefresh("principal-42", 7)
	require.NoError(t, err)

	claims, err := s.VerifyRefresh(raw)
	require.NoError(t, err)
	require.Equal(t, int64(7), claims.Version)
	require.Equal(t, "principal-42", claims.Subject)
}

func TestService_VerifyRejectsForeignKeyAndExpiry(t *testing.T) {
	t.Parallel()
	s := NewService([]byte("k"), time.Minute, time.Minute)
	other := NewService([]byte("not-k"), time.Minute, time.Minute)

	raw, err := other.IssueRefresh("p", 0)
	require.NoError(t, err)
	_, err = s.VerifyRefresh(raw)
	require.ErrorIs(t, err, errs.ErrInvalidToken)

	// Expired: issue in the past, verify at present.
	past := NewService([]byte("k"), time.Minute, time.Minute)
	past.now = func() time.Time { return time.Now().Add(-time.Hour) }
	raw, err = past.IssueAccess(LevelNone, uuid.Must(uuid.NewV4()))
	require.NoError(t, err)
	_, err = s.VerifyAccess(raw)
	require.ErrorIs(t, err, errs.ErrInvalidToken)
}

func TestService_MissingKeyAndCredentials(t *testing.T) {
	t.Parallel()
	s := NewService(nil, 0, 0)
	_, err := s.IssueAccess(LevelNone, uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, errs.ErrTokenCreation)
	_, err = s.IssueRefresh("p", 0)
	require.ErrorIs(t, err, errs.ErrTokenCreation)

	ok := NewService([]byte("k"), 0, 0)
	_, err = ok.VerifyRefresh("")
	require.ErrorIs(t, err, errs.ErrMissingCredentials)
}
