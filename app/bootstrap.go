package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"cadarena/internal/auth"
	"cadarena/internal/cad"
	"cadarena/internal/db"
	"cadarena/internal/email"
	"cadarena/internal/maintenance"
	"cadarena/internal/observability"
	"cadarena/internal/project"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	accessSecret, err := mustEnv("JWT_ACCESS_SECRET")
	if err != nil {
		return nil, err
	}
	refreshSecret, err := mustEnv("JWT_REFRESH_SECRET")
	if err != nil {
		return nil, err
	}
	if accessSecret == refreshSecret {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	frontendURL := strings.TrimRight(envOrDefault("FRONTEND_URL", "http://localhost:3000"), "/")
	emailEnabled := envBoolOrDefault("EMAIL_ENABLED", false)

	var mailer email.Mailer
	if emailEnabled {
		smtpMailer, err := email.NewSMTPMailer(email.SMTPConfig{
			HostURL:     envOrDefault("SMTP_URL", ""),
			FromName:    envOrDefault("SMTP_FROM_NAME", "CAD ARENA"),
			FromAddress: envOrDefault("SMTP_FROM_ADDRESS", ""),
			FrontendURL: frontendURL,
			SkipVerify:  envBoolOrDefault("SMTP_SKIP_VERIFY", false),
		})
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("init smtp mailer: %w", err)
		}
		mailer = smtpMailer
	} else {
		mailer = email.NewLogMailer(logger, frontendURL)
	}

	validationMode := auth.ParseValidationMode(os.Getenv("TOKEN_VALIDATION_MODE"))
	if validationMode == auth.ValidationLenient {
		logger.Warn("token_validation_lenient", map[string]any{
			"detail": "signature and expiry failures fall back to unverified claims",
		})
	}

	codec := auth.NewTokenCodec(accessSecret, refreshSecret).
		WithTTLs(
			envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 30),
			envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		).
		WithValidationMode(validationMode)

	hasher := auth.NewPasswordHasher(envIntOrDefault("BCRYPT_COST", 12))
	lockout := auth.NewLockoutPolicy(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
	)

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, hasher, codec, lockout, mailer, logger, auth.ServiceConfig{
		EmailEnabled:    emailEnabled,
		VerificationTTL: envHoursOrDefault("VERIFICATION_TOKEN_TTL_HOURS", 24),
		ResetTTL:        envMinutesOrDefault("RESET_TOKEN_TTL_MINUTES", 60),
	})
	authHandler := auth.NewHandler(authService)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_TOKEN_RETENTION_DAYS", 14),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	projectRepo := project.NewRepository(database)
	projectHandler := project.NewHandler(projectRepo)

	provider, err := cad.NewProvider(
		envOrDefault("AI_PROVIDER", "ollama"),
		envOrDefault("OLLAMA_BASE_URL", "http://localhost:11434"),
		envOrDefault("OLLAMA_MODEL", "llama3"),
	)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init cad provider: %w", err)
	}
	cadHandler := cad.NewHandler(provider, projectRepo)

	credentialLimiter := auth.NewRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/auth/signup", credentialLimiter.Middleware(http.HandlerFunc(authHandler.Signup)))
	mux.Handle("POST /api/v1/auth/login", credentialLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /api/v1/auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /api/v1/auth/verify-email", authHandler.VerifyEmail)
	mux.Handle("POST /api/v1/auth/resend-verification", credentialLimiter.Middleware(http.HandlerFunc(authHandler.ResendVerification)))
	mux.Handle("POST /api/v1/auth/forgot-password", credentialLimiter.Middleware(http.HandlerFunc(authHandler.ForgotPassword)))
	mux.HandleFunc("POST /api/v1/auth/reset-password", authHandler.ResetPassword)
	mux.HandleFunc("POST /api/v1/auth/change-password", auth.RequireUser(authService, authHandler.ChangePassword))
	mux.HandleFunc("POST /api/v1/auth/logout", auth.RequireUser(authService, authHandler.Logout))
	mux.HandleFunc("GET /api/v1/auth/me", auth.RequireUser(authService, authHandler.Me))

	mux.HandleFunc("GET /api/v1/projects", auth.RequireVerifiedUser(authService, projectHandler.ListProjects))
	mux.HandleFunc("POST /api/v1/projects", auth.RequireVerifiedUser(authService, projectHandler.CreateProject))
	mux.HandleFunc("GET /api/v1/projects/{id}", auth.RequireVerifiedUser(authService, projectHandler.GetProject))
	mux.HandleFunc("DELETE /api/v1/projects/{id}", auth.RequireVerifiedUser(authService, projectHandler.DeleteProject))
	mux.HandleFunc("GET /api/v1/projects/{id}/conversations", auth.RequireVerifiedUser(authService, projectHandler.ListConversations))
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", auth.RequireVerifiedUser(authService, projectHandler.DeleteConversation))
	mux.HandleFunc("POST /api/v1/generate", auth.RequireVerifiedUser(authService, cadHandler.Generate))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
