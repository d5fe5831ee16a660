package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"brokerage/internal/config"
	"brokerage/internal/db"
	"brokerage/internal/logger"
	"brokerage/internal/store"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.sql migrations")
	bootstrapAdmin := flag.String("bootstrap-admin", "", "user id to make super admin when no super admin exists")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.AppEnv})

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	defer database.Close()

	if _, err := database.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename text primary key, applied_at timestamptz default now())`); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema_migrations")
	}

	files, err := filepath.Glob(filepath.Join(*dir, "*.sql"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read migrations")
	}
	sort.Strings(files)

	for _, file := range files {
		filename := filepath.Base(file)
		var exists bool
		if err := database.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, filename); err != nil {
			log.Fatal().Err(err).Msg("failed to read migration state")
		}
		if exists {
			continue
		}
		err := db.WithTx(ctx, database, func(tx *sqlx.Tx) error {
			if err := applyFile(ctx, tx, file); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, filename)
			return err
		})
		if err != nil {
			log.Fatal().Err(err).Str("file", filename).Msg("failed to apply migration")
		}
		log.Info().Str("file", filename).Msg("applied migration")
	}

	if *bootstrapAdmin != "" {
		if err := bootstrap(ctx, database, *bootstrapAdmin); err != nil {
			log.Fatal().Err(err).Msg("failed to bootstrap admin")
		}
	}
}

// bootstrap creates the first super admin. It is a no-op once any super
// admin exists, so it is safe to leave in a deploy script.
func bootstrap(ctx context.Context, database *sqlx.DB, userID string) error {
	admins := store.NewAdminStore(database)
	audit := store.NewAuditStore(database)
	exists, err := admins.HasAnyAdmin(ctx)
	if err != nil {
		return err
	}
	if exists {
		log.Info().Msg("super admin already present, skipping bootstrap")
		return nil
	}
	err = db.WithTx(ctx, database, func(tx *sqlx.Tx) error {
		if err := admins.CreateAdmin(ctx, tx, userID, true, nil); err != nil {
			return err
		}
		return audit.Log(ctx, tx, userID, "bootstrap_admin", "admin", userID, `{"is_super":true}`)
	})
	if err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Msg("bootstrapped super admin")
	return nil
}

func applyFile(ctx context.Context, tx execer, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	up := strings.Split(string(content), "-- +migrate Down")[0]
	for _, stmt := range splitSQL(up) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitSQL splits on statement-ending semicolons. Semicolons inside $$
// quoted function bodies do not end a statement.
func splitSQL(sqlText string) []string {
	var statements []string
	var current strings.Builder
	inBody := false
	scanner := bufio.NewScanner(strings.NewReader(sqlText))
	for scanner.Scan() {
		line := scanner.Text()
		if !inBody && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		current.WriteString(line)
		current.WriteRune('\n')
		if strings.Count(line, "$$")%2 == 1 {
			inBody = !inBody
		}
		if !inBody && strings.HasSuffix(strings.TrimSpace(line), ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}
	return statements
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
