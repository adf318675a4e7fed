package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"event-certs/certificate-backend/internal/audit"
	"event-certs/certificate-backend/internal/auth"
	"event-certs/certificate-backend/internal/certificates"
	"event-certs/certificate-backend/internal/config"
	"event-certs/certificate-backend/internal/database"
	"event-certs/certificate-backend/internal/datasig"
	"event-certs/certificate-backend/internal/metrics"
	"event-certs/certificate-backend/internal/notifications"
	"event-certs/certificate-backend/internal/notifications/websocket"
	"event-certs/certificate-backend/internal/server"
	"event-certs/certificate-backend/internal/signing"
	"event-certs/certificate-backend/internal/verification"
	"event-certs/certificate-backend/pkg/pdf"
	"event-certs/certificate-backend/pkg/security"
	"event-certs/certificate-backend/pkg/storage"
)

// App holds every wired service. Build it once per process.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB           *database.Handles
	Metrics      *metrics.Metrics
	Artifacts    storage.ArtifactStore
	Audit        audit.Recorder
	Authorizer   *auth.Authorizer
	Certificates certificates.Service
	Engine       *security.Engine
	DataSigner   *datasig.Signer
	Signing      *signing.Service
	Orchestrator *signing.Orchestrator
	Verification *verification.Service
	Hub          *websocket.Manager
	Notify       *notifications.Service
}

// New connects to the database and cloud services and wires the domain
// services. Missing signing secrets leave signing unconfigured only when
// the configuration allows it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if err := a.wire(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	var awsCfg *aws.Config
	if cfg.Storage.Backend == "s3" || cfg.Email.From != "" || cfg.Events.TopicARN != "" {
		c, err := storage.LoadAWSConfig(ctx, awsOptions(cfg.Storage))
		if err != nil {
			return err
		}
		awsCfg = &c
	}

	var s3 storage.S3Client
	if cfg.Storage.Backend == "s3" {
		s3 = storage.NewS3Client(*awsCfg, awsOptions(cfg.Storage))
		a.Artifacts = storage.NewS3ArtifactStore(s3, cfg.Storage.Bucket)
	} else {
		a.Artifacts = storage.NewMemoryArtifactStore(cfg.Server.PublicBaseURL)
	}

	rec, err := audit.NewRecorder(a.DB.Gorm, logger)
	if err != nil {
		return err
	}
	a.Audit = rec

	if err := a.wireAuth(ctx); err != nil {
		return err
	}

	if cfg.Signing.PrivateKey != "" {
		signer, err := datasig.NewSigner(cfg.Signing.PrivateKey)
		if err != nil {
			return err
		}
		a.DataSigner = signer
	}
	verifier, err := a.dataVerifier()
	if err != nil {
		return err
	}

	repo := certificates.NewRepository(a.DB.SQLX)
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate certificates: %w", err)
	}
	a.Certificates = certificates.NewService(repo, a.DataSigner, verifier, a.Artifacts, logger)

	a.Engine = security.NewEngine()
	deps := signing.Deps{
		Certificates: a.Certificates,
		Renderer:     pdf.NewGenerator(pdf.DefaultGeneratorOptions()),
		Templates:    storage.NewTemplateFetcher(s3, cfg.Storage.TemplateTimeout),
		Artifacts:    a.Artifacts,
		Retrier: signing.NewRetrier(signing.RetryPolicy{
			MaxAttempts: cfg.Signing.MaxAttempts,
			Backoff:     cfg.Signing.RetryBackoff,
		}, signing.ContextSleep, logger),
		Audit:   a.Audit,
		Metrics: a.Metrics,
		Logger:  logger,
	}
	if cfg.Signing.P12Certificate != "" {
		id, err := security.LoadIdentityBase64(cfg.Signing.P12Certificate, cfg.Signing.P12Passphrase)
		if err != nil {
			return err
		}
		if err := a.Engine.ValidatePlaceholder(id); err != nil {
			return err
		}
		deps.Signer = security.NewContainerSigner(id, a.Engine)
		logger.Info("Loaded signing identity",
			zap.String("subject", id.SubjectName()),
			zap.String("algorithm", id.Algorithm()))
	} else {
		logger.Warn("No signing identity configured; container signing is disabled")
	}
	a.Signing = signing.NewService(deps, signing.Options{
		Reason:        cfg.Signing.Reason,
		ContactInfo:   cfg.Signing.ContactInfo,
		Location:      cfg.Signing.Location,
		Issuer:        cfg.Signing.Issuer,
		VerifyBaseURL: cfg.Signing.VerifyBaseURL,
	})

	a.Verification = verification.NewService(security.NewValidator(true), a.Certificates, a.Certificates, logger).
		WithAudit(a.Audit).
		WithMetrics(a.Metrics)

	a.Hub = websocket.NewManager(cfg.Server.AllowedOrigins, logger)

	var ses notifications.SESAPI
	var topic notifications.SNSAPI
	if awsCfg != nil && cfg.Email.From != "" {
		ses = sesv2.NewFromConfig(*awsCfg)
	}
	if awsCfg != nil && cfg.Events.TopicARN != "" {
		topic = sns.NewFromConfig(*awsCfg)
	}
	email := notifications.NewEmailDistributor(ses, cfg.Email.From, cfg.Email.ConfigurationSet, signing.ContextSleep, logger)
	a.Notify = notifications.NewService(email, notifications.NewSNSPublisher(topic, cfg.Events.TopicARN, logger), a.Hub,
		a.Certificates, a.Artifacts, notifications.Config{
			DownloadBaseURL: cfg.Server.PublicBaseURL,
			URLTTL:          cfg.Storage.URLTTL,
		}, logger).WithAudit(a.Audit)

	a.Orchestrator = signing.NewOrchestrator(a.Signing, a.Authorizer.Roster(), signing.ContextSleep, logger).
		WithProgress(a.Notify.BatchProgress()).
		WithCompletion(a.Notify.BatchCompleted()).
		WithAudit(a.Audit).
		WithMetrics(a.Metrics)
	return nil
}

func (a *App) wireAuth(ctx context.Context) error {
	cfg := a.Config.Auth
	tokens, err := auth.NewTokenVerifier(auth.TokenConfig{
		Secret:       cfg.JWTSecret,
		PublicKeyPEM: cfg.JWTPublicKey,
		Issuer:       cfg.Issuer,
		Audience:     cfg.Audience,
		Leeway:       cfg.Leeway,
	})
	if err != nil {
		return err
	}
	roster, err := auth.NewRoster(a.DB.Gorm)
	if err != nil {
		return err
	}
	for _, email := range cfg.BootstrapSigners {
		if _, err := roster.Add(ctx, email, auth.RoleSigner); err != nil {
			return fmt.Errorf("failed to add bootstrap signer: %w", err)
		}
	}
	a.Authorizer = auth.NewAuthorizer(tokens, roster, a.Logger)
	return nil
}

func (a *App) dataVerifier() (*datasig.Verifier, error) {
	if a.Config.Signing.PublicKey != "" {
		return datasig.NewVerifier(a.Config.Signing.PublicKey)
	}
	if a.DataSigner != nil {
		return a.DataSigner.Public(), nil
	}
	return nil, nil
}

// Router builds the HTTP handler for every API route.
func (a *App) Router() *gin.Engine {
	cfg := a.Config
	var warmer signing.Warmer
	if a.Signing.Configured() {
		warmer = a.Engine
	}
	handlers := server.Handlers{
		Auth:         auth.NewHandler(a.Authorizer),
		Certificates: certificates.NewHandler(a.Certificates, a.Artifacts, cfg.Storage.URLTTL, a.Logger),
		Signing: signing.NewHandler(a.Signing, a.Orchestrator, a.Authorizer, signing.HandlerConfig{
			DataSigner: a.DataSigner,
			Warmer:     warmer,
			Artifacts:  a.Artifacts,
			URLTTL:     cfg.Storage.URLTTL,
			ChunkSize:  cfg.Batch.ChunkSize,
			ChunkPause: cfg.Batch.ChunkPause,
			Audit:      a.Audit,
		}, a.Logger),
		Verification:  verification.NewHandler(a.Verification),
		Notifications: notifications.NewHandler(a.Notify, a.Hub, a.Authorizer, a.Logger),
		Audit:         audit.NewHandler(a.Audit),
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = a.Metrics
	}
	return server.NewRouter(handlers, a.Authorizer, m, server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsPath:    cfg.Metrics.Path,
		Health:         a.DB.SQLX.PingContext,
	}, a.Logger)
}

// Close releases the hub and the database.
func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}

func awsOptions(s config.StorageConfig) storage.AWSOptions {
	return storage.AWSOptions{
		Region:          s.Region,
		AccessKeyID:     s.AccessKeyID,
		SecretAccessKey: s.SecretAccessKey,
		Endpoint:        s.Endpoint,
		UsePathStyle:    s.UsePathStyle,
	}
}

// ShutdownContext bounds graceful shutdown.
func ShutdownContext(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}
