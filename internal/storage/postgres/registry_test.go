package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

func testIdentity(digest string) archive.SnapshotIdentity {
	return archive.SnapshotIdentity{
		NormalizedURL: "https://example.com/a",
		CaptureBucket: time.Date(2020, 5, 4, 0, 0, 0, 0, time.UTC),
		ContentDigest: digest,
	}
}

func newRegistry(mock pgxmock.PgxPoolIface) *Registry {
	return NewRegistry(mock, NewPageStore(mock, testClock), testClock)
}

func TestClaimCreatesPage(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	reg := newRegistry(mock)
	identity := testIdentity("")

	mock.ExpectQuery("SELECT shared_page_id FROM cdx_registry").
		WithArgs(identity.Key()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO shared_pages").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO cdx_registry").
		WithArgs(identity.Key(), identity.NormalizedURL, identity.CaptureBucket, "", "page-001", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := reg.Claim(context.Background(), identity, archive.SharedPage{ID: "page-001", URL: "https://example.com/a"})
	require.NoError(t, err)
	require.True(t, res.IsNew)
	require.Equal(t, "page-001", res.SharedPageID)
	require.Equal(t, archive.StatusPending, res.Page.Status)
	require.Equal(t, identity.Key(), res.Page.IdentityKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsExistingPage(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	reg := newRegistry(mock)
	identity := testIdentity("")

	mock.ExpectQuery("SELECT shared_page_id FROM cdx_registry").
		WillReturnRows(pgxmock.NewRows([]string{"shared_page_id"}).AddRow("page-007"))
	mock.ExpectQuery("FROM shared_pages WHERE id").
		WithArgs("page-007").
		WillReturnRows(pageRows(samplePage("page-007", archive.StatusCompleted)))

	res, err := reg.Claim(context.Background(), identity, archive.SharedPage{ID: "page-002"})
	require.NoError(t, err)
	require.False(t, res.IsNew)
	require.Equal(t, "page-007", res.SharedPageID)
	require.Equal(t, archive.StatusCompleted, res.Page.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimLosingRaceObservesWinner(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	reg := newRegistry(mock)
	identity := testIdentity("")

	mock.ExpectQuery("SELECT shared_page_id FROM cdx_registry").WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO shared_pages").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO cdx_registry").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT shared_page_id FROM cdx_registry").
		WillReturnRows(pgxmock.NewRows([]string{"shared_page_id"}).AddRow("page-winner"))
	mock.ExpectQuery("FROM shared_pages WHERE id").
		WillReturnRows(pageRows(samplePage("page-winner", archive.StatusInProgress)))

	res, err := reg.Claim(context.Background(), identity, archive.SharedPage{ID: "page-loser"})
	require.NoError(t, err)
	require.False(t, res.IsNew)
	require.Equal(t, "page-winner", res.SharedPageID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimAliasesKnownDigest(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	reg := newRegistry(mock)
	identity := testIdentity("SHA1ABC")

	mock.ExpectQuery("SELECT shared_page_id FROM cdx_registry").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT shared_page_id FROM page_digests").
		WithArgs("SHA1ABC").
		WillReturnRows(pgxmock.NewRows([]string{"shared_page_id"}).AddRow("page-009"))
	mock.ExpectExec("INSERT INTO cdx_registry").
		WithArgs(identity.Key(), identity.NormalizedURL, identity.CaptureBucket, "SHA1ABC", "page-009", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FROM shared_pages WHERE id").
		WillReturnRows(pageRows(samplePage("page-009", archive.StatusCompleted)))

	res, err := reg.Claim(context.Background(), identity, archive.SharedPage{ID: "page-010"})
	require.NoError(t, err)
	require.False(t, res.IsNew)
	require.Equal(t, "page-009", res.SharedPageID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRequiresSeedID(t *testing.T) {
	t.Parallel()

	reg := newRegistry(newMock(t))
	_, err := reg.Claim(context.Background(), testIdentity(""), archive.SharedPage{})
	require.ErrorIs(t, err, archive.ErrValidation)
}

func TestAttachDigest(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	reg := newRegistry(mock)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE cdx_registry SET content_digest").
		WithArgs("key-1", "sha256:ab").
		WillReturnRows(pgxmock.NewRows([]string{"shared_page_id"}).AddRow("page-001"))
	mock.ExpectExec("INSERT INTO page_digests").
		WithArgs("sha256:ab", "page-001").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE shared_pages SET content_digest").
		WithArgs("page-001", "sha256:ab").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, reg.AttachDigest(context.Background(), "key-1", "sha256:ab"))
	require.NoError(t, reg.AttachDigest(context.Background(), "key-1", ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	reg := newRegistry(mock)
	mock.ExpectQuery("FROM cdx_registry WHERE identity_key").WillReturnError(pgx.ErrNoRows)

	_, err := reg.Lookup(context.Background(), "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
