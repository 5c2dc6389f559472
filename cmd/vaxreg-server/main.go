package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/vaxreg/internal/config"
	"github.com/ehr/vaxreg/internal/domain/immunization"
	"github.com/ehr/vaxreg/internal/platform/auth"
	"github.com/ehr/vaxreg/internal/platform/db"
	"github.com/ehr/vaxreg/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vaxreg-server",
		Short: "Vaccine dose eligibility and visit registration API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, schema)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, schema)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	return cfg.DBSchema
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the vaccine catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Insert the default vaccine products, skipping existing codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			if cfg.Store == config.StoreMemory {
				return fmt.Errorf("catalog seed needs STORE=%s", config.StorePostgres)
			}

			ctx := context.Background()
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := immunization.NewService(st.products, st.history, st.history, st.appointments, st.directory, logger)
			added, err := seedCatalog(ctx, svc, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d vaccine product(s).\n", added)
			return nil
		},
	})
	return cmd
}

// defaultCatalog is the product set the registry starts with.
func defaultCatalog() []immunization.Product {
	return []immunization.Product{
		{
			Code: "1111-1111-11", Name: "Pfizer", Description: "Pfizer-BioNTech COVID-19 vaccine",
			DoseCount:    2,
			DoseInterval: &immunization.DoseInterval{Unit: immunization.IntervalDays, Amount: 21},
			AgeRange:     immunization.AgeRange{Min: 12, Max: 120},
		},
		{
			Code: "2222-2222-22", Name: "Moderna", Description: "Moderna COVID-19 vaccine",
			DoseCount:    2,
			DoseInterval: &immunization.DoseInterval{Unit: immunization.IntervalWeeks, Amount: 4},
			AgeRange:     immunization.AgeRange{Min: 18, Max: 120},
		},
		{
			Code: "3333-3333-33", Name: "Johnson & Johnson", Description: "Janssen COVID-19 vaccine",
			DoseCount: 1,
			AgeRange:  immunization.AgeRange{Min: 18, Max: 120},
		},
	}
}

// seedCatalog creates every default product that is not already present and
// returns how many were added.
func seedCatalog(ctx context.Context, svc *immunization.Service, logger zerolog.Logger) (int, error) {
	added := 0
	for _, p := range defaultCatalog() {
		p := p
		err := svc.CreateProduct(ctx, &p)
		if errors.Is(err, immunization.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("seed %s: %w", p.Code, err)
		}
		logger.Info().Str("code", p.Code).Str("name", p.Name).Msg("vaccine product seeded")
		added++
	}
	return added, nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue bearer tokens for local testing",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Print a signed token for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if sub == "" {
				return fmt.Errorf("--sub is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := issueToken(cfg, sub, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issueCmd.Flags().String("sub", "", "Subject: a user id, or the patient id for patient tokens")
	issueCmd.Flags().StringSlice("role", []string{auth.RoleHCP}, "Roles to grant (admin, hcp, patient)")
	issueCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.AddCommand(issueCmd)
	return cmd
}

func issueToken(cfg *config.Config, sub string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if cfg.AuthSigningKey == "" {
		return "", fmt.Errorf("AUTH_SIGNING_KEY is not set")
	}
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    cfg.AuthIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return auth.IssueToken(jwtConfig(cfg), claims)
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}
