// Package catalog provides SQLite-backed persistence for model
// declarations. Models are stored in source form (state names, parameter
// names, event declarations, raw equations), not as compiled artifacts;
// loading a model replays its declarations through a fresh builder, so a
// loaded model recompiles to exactly what Save saw.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"github.com/pflow-xyz/go-ctmc/model"
)

// ErrNotFound is returned when no model with the requested id exists.
var ErrNotFound = errors.New("model not found in catalog")

// Store handles SQLite database operations for the model catalog.
type Store struct {
	db *sql.DB
}

// Entry summarizes one catalog row.
type Entry struct {
	ID        string
	Name      string
	TimeName  string
	States    int
	Events    int
	ODEs      int
	CreatedAt time.Time
}

// New creates a new Store with the given database path. Use ":memory:"
// for an ephemeral store.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema if it doesn't exist.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		time_name TEXT NOT NULL DEFAULT 't',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS states (
		model_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		lower REAL,
		upper REAL,
		PRIMARY KEY (model_id, idx),
		FOREIGN KEY (model_id) REFERENCES models(id)
	);

	CREATE TABLE IF NOT EXISTS parameters (
		model_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (model_id, idx),
		FOREIGN KEY (model_id) REFERENCES models(id)
	);

	CREATE TABLE IF NOT EXISTS events (
		model_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		kind TEXT NOT NULL,
		origin TEXT,
		destination TEXT,
		rate TEXT NOT NULL,
		PRIMARY KEY (model_id, idx),
		FOREIGN KEY (model_id) REFERENCES models(id)
	);

	CREATE TABLE IF NOT EXISTS effects (
		model_id TEXT NOT NULL,
		event_idx INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		state TEXT NOT NULL,
		coeff TEXT NOT NULL,
		PRIMARY KEY (model_id, event_idx, idx),
		FOREIGN KEY (model_id) REFERENCES models(id)
	);

	CREATE TABLE IF NOT EXISTS odes (
		model_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		state TEXT NOT NULL,
		rhs TEXT NOT NULL,
		PRIMARY KEY (model_id, idx),
		FOREIGN KEY (model_id) REFERENCES models(id)
	);

	CREATE INDEX IF NOT EXISTS idx_models_name ON models(name);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for custom queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Save stores a model's declarations under its generation id. Saving the
// same generation twice replaces the earlier record.
func (s *Store) Save(m *model.Model) error {
	id := m.Generation().String()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteModelTx(tx, id); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO models (id, name, time_name, created_at) VALUES (?, ?, ?, ?)`,
		id, m.Name(), m.TimeName(), time.Now().UTC(),
	); err != nil {
		return err
	}

	for i, st := range m.StateDecls() {
		var lower, upper sql.NullFloat64
		if st.Bounds != nil {
			lower = sql.NullFloat64{Float64: st.Bounds.Lower, Valid: true}
			upper = sql.NullFloat64{Float64: st.Bounds.Upper, Valid: true}
		}
		if _, err := tx.Exec(
			`INSERT INTO states (model_id, idx, name, lower, upper) VALUES (?, ?, ?, ?, ?)`,
			id, i, st.Name, lower, upper,
		); err != nil {
			return err
		}
	}

	for i, name := range m.ParameterDecls() {
		if _, err := tx.Exec(
			`INSERT INTO parameters (model_id, idx, name) VALUES (?, ?, ?)`,
			id, i, name,
		); err != nil {
			return err
		}
	}

	for i, ev := range m.EventDecls() {
		if _, err := tx.Exec(
			`INSERT INTO events (model_id, idx, kind, origin, destination, rate) VALUES (?, ?, ?, ?, ?, ?)`,
			id, i, ev.Kind, ev.From, ev.To, ev.Rate,
		); err != nil {
			return err
		}
		for j, eff := range ev.Effects {
			if _, err := tx.Exec(
				`INSERT INTO effects (model_id, event_idx, idx, state, coeff) VALUES (?, ?, ?, ?, ?)`,
				id, i, j, eff.State, eff.Coeff,
			); err != nil {
				return err
			}
		}
	}

	for i, ode := range m.ODEDecls() {
		if _, err := tx.Exec(
			`INSERT INTO odes (model_id, idx, state, rhs) VALUES (?, ?, ?, ?)`,
			id, i, ode.State, ode.RHS,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load rebuilds a model from its stored declarations. The rebuilt model
// carries a fresh generation id; the catalog id stays the lookup key.
func (s *Store) Load(id string) (*model.Model, error) {
	row := s.db.QueryRow(`SELECT name, time_name FROM models WHERE id = ?`, id)

	var name, timeName string
	if err := row.Scan(&name, &timeName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, err
	}

	m := model.New(name, model.WithTimeName(timeName))

	if err := s.loadStates(id, m); err != nil {
		return nil, err
	}
	if err := s.loadParameters(id, m); err != nil {
		return nil, err
	}
	if err := s.loadEvents(id, m); err != nil {
		return nil, err
	}
	if err := s.loadODEs(id, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) loadStates(id string, m *model.Model) error {
	rows, err := s.db.Query(
		`SELECT name, lower, upper FROM states WHERE model_id = ? ORDER BY idx`, id,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var lower, upper sql.NullFloat64
		if err := rows.Scan(&name, &lower, &upper); err != nil {
			return err
		}
		if lower.Valid && upper.Valid {
			err = m.AddStateBounded(name, lower.Float64, upper.Float64)
		} else {
			err = m.AddState(name)
		}
		if err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) loadParameters(id string, m *model.Model) error {
	rows, err := s.db.Query(
		`SELECT name FROM parameters WHERE model_id = ? ORDER BY idx`, id,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if err := m.AddParameter(name); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) loadEvents(id string, m *model.Model) error {
	rows, err := s.db.Query(
		`SELECT idx, kind, origin, destination, rate FROM events WHERE model_id = ? ORDER BY idx`, id,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	type eventRow struct {
		idx        int
		kind, rate string
		from, to   string
	}
	var evs []eventRow
	for rows.Next() {
		var r eventRow
		var from, to sql.NullString
		if err := rows.Scan(&r.idx, &r.kind, &from, &to, &r.rate); err != nil {
			return err
		}
		r.from = from.String
		r.to = to.String
		evs = append(evs, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range evs {
		effects, err := s.loadEffects(id, r.idx)
		if err != nil {
			return err
		}
		switch r.kind {
		case "transition":
			err = m.AddTransition(r.from, r.to, r.rate, effects...)
		case "birth":
			err = m.AddBirth(r.to, r.rate, effects...)
		case "death":
			err = m.AddDeath(r.from, r.rate, effects...)
		default:
			err = fmt.Errorf("unknown event kind %q", r.kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadEffects(id string, eventIdx int) ([]model.EffectDecl, error) {
	rows, err := s.db.Query(
		`SELECT state, coeff FROM effects WHERE model_id = ? AND event_idx = ? ORDER BY idx`,
		id, eventIdx,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var effects []model.EffectDecl
	for rows.Next() {
		var eff model.EffectDecl
		if err := rows.Scan(&eff.State, &eff.Coeff); err != nil {
			return nil, err
		}
		effects = append(effects, eff)
	}
	return effects, rows.Err()
}

func (s *Store) loadODEs(id string, m *model.Model) error {
	rows, err := s.db.Query(
		`SELECT state, rhs FROM odes WHERE model_id = ? ORDER BY idx`, id,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var state, rhs string
		if err := rows.Scan(&state, &rhs); err != nil {
			return err
		}
		if err := m.SetODE(state, rhs); err != nil {
			return err
		}
	}
	return rows.Err()
}

// List returns catalog entries, most recent first.
func (s *Store) List(limit int) ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT m.id, m.name, m.time_name, m.created_at,
		 (SELECT COUNT(*) FROM states s WHERE s.model_id = m.id),
		 (SELECT COUNT(*) FROM events e WHERE e.model_id = m.id),
		 (SELECT COUNT(*) FROM odes o WHERE o.model_id = m.id)
		 FROM models m ORDER BY m.created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.TimeName, &e.CreatedAt,
			&e.States, &e.Events, &e.ODEs); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// FindByName returns the entries whose model name matches exactly, most
// recent first.
func (s *Store) FindByName(name string) ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT m.id, m.name, m.time_name, m.created_at,
		 (SELECT COUNT(*) FROM states s WHERE s.model_id = m.id),
		 (SELECT COUNT(*) FROM events e WHERE e.model_id = m.id),
		 (SELECT COUNT(*) FROM odes o WHERE o.model_id = m.id)
		 FROM models m WHERE m.name = ? ORDER BY m.created_at DESC`, name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.TimeName, &e.CreatedAt,
			&e.States, &e.Events, &e.ODEs); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Delete removes a model and all its declarations.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteModelTx(tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteModelTx(tx *sql.Tx, id string) error {
	for _, table := range []string{"states", "parameters", "events", "effects", "odes", "models"} {
		col := "model_id"
		if table == "models" {
			col = "id"
		}
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE `+col+` = ?`, id); err != nil {
			return err
		}
	}
	return nil
}
