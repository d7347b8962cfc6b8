package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/runbookd/runbookd/internal/model"
)

var (
	// ErrNodeNotFound is returned when a node name cannot be resolved
	ErrNodeNotFound = errors.New("node not found")

	// ErrCredentialUnavailable is returned when a node has no usable
	// stored credential
	ErrCredentialUnavailable = errors.New("credential unavailable")
)

// Store is the SQLite-backed node inventory. It implements the
// orchestrator's NodeResolver: friendly names resolve to connection
// parameters, and credentials are unsealed on demand.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
	sealer *sealer
}

// NewStore opens (or creates) the node inventory at dbPath. Credentials are
// sealed under masterKey.
func NewStore(logger *zap.Logger, dbPath, masterKey string) (*Store, error) {
	sealer, err := newSealer(masterKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		logger: logger.Named("resolver"),
		db:     db,
		sealer: sealer,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			name TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 22,
			username TEXT NOT NULL,
			auth_kind TEXT NOT NULL,
			credential TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// UpsertNode stores or replaces a node and seals its credential.
func (s *Store) UpsertNode(ctx context.Context, target model.NodeTarget, credential string) error {
	var sealed sql.NullString
	if credential != "" {
		enc, err := s.sealer.seal(credential)
		if err != nil {
			return err
		}
		sealed = sql.NullString{String: enc, Valid: true}
	}

	_, port := target.Addr()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (name, host, port, username, auth_kind, credential, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			auth_kind = excluded.auth_kind,
			credential = COALESCE(excluded.credential, nodes.credential),
			updated_at = excluded.updated_at`,
		target.Name,
		target.Host,
		port,
		target.Username,
		string(target.AuthKind),
		sealed,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store node: %w", err)
	}

	s.logger.Info("Node stored",
		zap.String("name", target.Name),
		zap.String("host", target.Host))
	return nil
}

// ResolveNode implements NodeResolver.ResolveNode. The returned target
// carries no secret; GetCredential unseals it separately.
func (s *Store) ResolveNode(ctx context.Context, name string) (*model.NodeTarget, error) {
	var target model.NodeTarget
	var authKind string

	err := s.db.QueryRowContext(ctx, `
		SELECT name, host, port, username, auth_kind
		FROM nodes WHERE name = ?`, name).Scan(
		&target.Name,
		&target.Host,
		&target.Port,
		&target.Username,
		&authKind,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to resolve node: %w", err)
	}

	target.AuthKind = model.AuthKind(authKind)
	target.CredentialRef = target.Name
	return &target, nil
}

// GetCredential implements NodeResolver.GetCredential.
func (s *Store) GetCredential(ctx context.Context, target *model.NodeTarget) (string, error) {
	ref := target.CredentialRef
	if ref == "" {
		ref = target.Name
	}

	var sealed sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT credential FROM nodes WHERE name = ?`, ref).Scan(&sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNodeNotFound
		}
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	if !sealed.Valid || sealed.String == "" {
		return "", ErrCredentialUnavailable
	}

	secret, err := s.sealer.open(sealed.String)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	return secret, nil
}

// ListNodes returns all stored nodes without credentials.
func (s *Store) ListNodes(ctx context.Context) ([]model.NodeTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, host, port, username, auth_kind FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var targets []model.NodeTarget
	for rows.Next() {
		var target model.NodeTarget
		var authKind string
		if err := rows.Scan(&target.Name, &target.Host, &target.Port, &target.Username, &authKind); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		target.AuthKind = model.AuthKind(authKind)
		target.CredentialRef = target.Name
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return targets, nil
}

// DeleteNode removes a node and its credential.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
