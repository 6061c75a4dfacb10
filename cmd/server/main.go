package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/horizon/horizon/internal/config"
	"github.com/horizon/horizon/internal/handlers"
	"github.com/horizon/horizon/internal/mailer"
	"github.com/horizon/horizon/internal/middleware"
	"github.com/horizon/horizon/internal/repository"
	"github.com/horizon/horizon/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	dynamoClient, err := initDynamoDB(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize DynamoDB")
	}

	var redisClient *redis.Client
	if cfg.OTP.Store == config.StoreRedis || cfg.Session.Store == config.StoreRedis {
		redisClient, err = initRedis(cfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Redis")
		}
		defer redisClient.Close()
	}

	// Initialize repositories
	userRepo := repository.NewUserRepository(dynamoClient, cfg.DynamoDB.TableName, logger)

	var otpStore service.OTPStore
	if cfg.OTP.Store == config.StoreRedis {
		otpStore = repository.NewRedisOTPRepository(redisClient, logger)
	} else {
		otpStore = repository.NewOTPRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	}

	var sessionStore service.SessionStore
	if cfg.Session.Store == config.StoreRedis {
		sessionStore = repository.NewRedisSessionRepository(redisClient, logger)
	} else {
		sessionStore = repository.NewSessionRepository(dynamoClient, cfg.DynamoDB.TableName, logger)
	}

	// Initialize services
	jwtService, err := service.NewJWTService(&cfg.JWT, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	sender := mailer.New(cfg.SMTP, cfg.OTP.Expiry, logger)
	otpService := service.NewOTPService(otpStore, &cfg.OTP, logger)
	sessionService := service.NewSessionService(jwtService, sessionStore, logger)
	registrationService := service.NewRegistrationService(userRepo, otpService, sessionService, sender, logger)

	authHandlers := handlers.NewAuthHandlers(registrationService, sessionService, cfg.OTP.Length, logger)
	authMiddleware := middleware.NewAuthMiddleware(sessionService, logger)
	ips, err := middleware.NewIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		logger.WithError(err).Fatal("Invalid TRUSTED_PROXIES")
	}
	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, ips)

	router := setupRouter(authHandlers, authMiddleware, limiter, ips, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      middleware.CORSMiddleware(cfg.Server.AllowedOrigins)(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":          cfg.Server.Port,
			"otp_store":     cfg.OTP.Store,
			"session_store": cfg.Session.Store,
			"smtp":          cfg.SMTP.Enabled(),
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

func initDynamoDB(cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.WithField("table", cfg.DynamoDB.TableName).Info("DynamoDB client initialized")
	return client, nil
}

func initRedis(cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Endpoint, err)
	}

	logger.WithField("endpoint", cfg.Redis.Endpoint).Info("Redis client initialized")
	return client, nil
}

func setupRouter(
	authHandlers *handlers.AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	limiter *middleware.RateLimiter,
	ips *middleware.IPResolver,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.LoggingMiddleware(logger, ips))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	auth := router.PathPrefix("/api/auth").Subrouter()
	auth.Use(limiter.Middleware)
	authHandlers.Routes(auth, authMiddleware)

	return router
}
