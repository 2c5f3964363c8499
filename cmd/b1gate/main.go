package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/b1gate/b1gate/internal/audit"
	"github.com/b1gate/b1gate/internal/auth"
	"github.com/b1gate/b1gate/internal/credentials"
	"github.com/b1gate/b1gate/internal/directory"
	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/platform/config"
	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/b1gate/b1gate/internal/platform/server"
	"github.com/b1gate/b1gate/internal/platform/telemetry"
	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/b1gate/b1gate/internal/revocation"
	"github.com/b1gate/b1gate/internal/secrets"
	"github.com/b1gate/b1gate/internal/tenant"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("b1gate starting",
		"port", cfg.Server.Port,
		"directory", cfg.Directory.Driver,
		"secrets", cfg.Secrets.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	migrationsURL := fmt.Sprintf("file://%s", cfg.Database.MigrationsPath)
	if err := database.RunMigrations(cfg.Database.URL, migrationsURL); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("migrations complete")

	metrics := telemetry.NewMetrics()

	auditStore := audit.NewStore()
	auditLogger := audit.NewAsyncLogger(pool, auditStore, audit.LoggerConfig{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: time.Duration(cfg.Audit.FlushInterval) * time.Millisecond,
		SecurityWait:  time.Duration(cfg.Audit.SecurityWait) * time.Millisecond,
	})
	defer auditLogger.Close()
	metrics.ObserveAuditDrops(auditLogger.Dropped)

	orgStore := tenant.NewStore(pool)
	userStore := tenant.NewUserStore(pool)
	lookup := tenant.NewUserLookup(userStore, cfg.Cache.Size, time.Duration(cfg.Cache.TTLSecs)*time.Second)

	validator := isolation.NewValidator(lookup,
		isolation.WithAuditLogger(auditLogger),
		isolation.WithMetrics(metrics),
		isolation.WithLogger(logger),
	)

	dir, err := newDirectory(cfg.Directory, metrics, logger)
	if err != nil {
		return err
	}

	secretStore, err := newSecretStore(cfg, pool)
	if err != nil {
		return err
	}

	credSvc := credentials.NewService(credentials.NewStore(pool), orgStore, secretStore, validator, auditLogger)
	orgSvc := tenant.NewOrganizationService(orgStore, validator, auditLogger)
	userSvc := tenant.NewUserService(orgStore, userStore, validator, dir,
		tenant.WithCredentialVerifier(credSvc),
		tenant.WithInvalidator(lookup),
		tenant.WithAuditLogger(auditLogger),
	)
	recorder := revocation.NewRecorder(revocation.NewStore(pool), userStore, dir, validator,
		revocation.WithInvalidator(lookup),
		revocation.WithAuditLogger(auditLogger),
		revocation.WithMetrics(metrics),
		revocation.WithLogger(logger),
	)

	if cfg.Auth.JWKSURL == "" && cfg.Directory.TenantID == "" && !cfg.Auth.DevMode {
		return fmt.Errorf("auth.jwksurl or directory.tenantid is required")
	}
	tokenValidator := auth.NewTokenValidator(auth.TokenValidatorConfig{
		JWKSUrl:            cfg.Auth.JWKSURL,
		Authority:          cfg.Auth.Authority,
		TenantID:           cfg.Directory.TenantID,
		Issuer:             cfg.Auth.Issuer,
		Audience:           cfg.Auth.Audience,
		CacheTTL:           time.Duration(cfg.Auth.JWKSCacheSecs) * time.Second,
		KeyRefreshInterval: time.Duration(cfg.Auth.KeyRefreshSecs) * time.Second,
		Mapping: auth.ClaimMapping{
			ObjectIDClaim: cfg.Auth.ObjectIDClaim,
			EmailClaims:   cfg.Auth.EmailClaims,
		},
	})

	var devClaims *auth.Claims
	if cfg.Auth.DevMode {
		slog.Warn("dev mode enabled: \"Bearer dev\" is accepted")
		devClaims = &auth.Claims{
			Subject:  "dev",
			ObjectID: cfg.Auth.DevObjectID,
			Email:    cfg.Auth.DevEmail,
			Name:     "Developer",
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, server.Dependencies{
		Pool:               pool,
		Auth:               tokenValidator,
		DevClaims:          devClaims,
		Isolation:          validator,
		Metrics:            metrics,
		TenantHandler:      tenant.NewHandler(orgSvc),
		UserHandler:        tenant.NewUserHandler(userSvc),
		CredentialHandler:  credentials.NewHandler(credSvc),
		RevocationHandler:  revocation.NewHandler(recorder),
		AuditHandler:       audit.NewHandler(pool, auditStore),
		RBACAuditLogger:    &rbacAuditAdapter{l: auditLogger},
		Logger:             logger,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	})

	return srv.Start(ctx)
}

func newDirectory(cfg config.DirectoryConfig, metrics *telemetry.Metrics, logger *slog.Logger) (directory.Directory, error) {
	switch cfg.Driver {
	case "memory":
		slog.Warn("using in-memory directory; access changes are not sent to the identity provider")
		return directory.NewMemoryDirectory(), nil
	case "graph":
		client, err := directory.NewGraphClient(directory.GraphConfig{
			TenantID:          cfg.TenantID,
			ClientID:          cfg.ClientID,
			ClientSecret:      cfg.ClientSecret,
			BaseURL:           cfg.BaseURL,
			TokenURL:          cfg.TokenURL,
			InviteRedirectURL: cfg.InviteRedirectURL,
			CallTimeout:       time.Duration(cfg.CallTimeoutMs) * time.Millisecond,
			MaxAttempts:       cfg.MaxAttempts,
			InitialBackoff:    time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:        time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
			RequestsPerSecond: float64(cfg.RequestsPerSecond),
		}, directory.WithMetrics(metrics), directory.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("creating graph client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown directory driver %q", cfg.Driver)
	}
}

func newSecretStore(cfg *config.Config, pool *database.Pool) (secrets.Store, error) {
	switch cfg.Secrets.Driver {
	case "postgres":
		cipher, err := secrets.NewCipher(cfg.Secrets.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("loading secrets encryption key: %w", err)
		}
		return secrets.NewPostgresStore(pool, cipher), nil
	case "keyvault":
		store, err := secrets.NewKeyVaultStore(secrets.KeyVaultConfig{
			VaultURL:     cfg.Secrets.VaultURL,
			TenantID:     cfg.Directory.TenantID,
			ClientID:     cfg.Directory.ClientID,
			ClientSecret: cfg.Directory.ClientSecret,
			Timeout:      time.Duration(cfg.Directory.CallTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("creating key vault store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown secrets driver %q", cfg.Secrets.Driver)
	}
}

// rbacAuditAdapter bridges audit.Logger to rbac.AuditLogger.
type rbacAuditAdapter struct {
	l audit.Logger
}

func (a *rbacAuditAdapter) Log(ctx context.Context, event rbac.AuditEvent) {
	resourceType := event.ResourceType
	if resourceType == "" {
		resourceType = "route"
	}
	a.l.Log(ctx, audit.Event{
		OrganizationID: audit.ParseOrganizationID(event.OrganizationID),
		ActorID:        event.ActorID,
		Action:         event.Action,
		ResourceType:   resourceType,
		Outcome:        audit.OutcomeDeny,
		Metadata:       event.Metadata,
		Source:         event.Source,
	})
}
