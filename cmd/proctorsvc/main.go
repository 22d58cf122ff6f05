// proctorsvc hosts the session lifecycle interface (spec §6), the
// websocket live-session boundary, and the Session Supervisor (C9) that
// ties the per-session pipeline together. Grounded on the teacher's
// cmd/server/main.go wiring: Postgres, Redis, NATS, the object store,
// the keyring and config, then one constructor per component before
// routes are mounted.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/proctorkernel/internal/boundary"
	"github.com/technosupport/proctorkernel/internal/config"
	"github.com/technosupport/proctorkernel/internal/crypto"
	"github.com/technosupport/proctorkernel/internal/evidence"
	"github.com/technosupport/proctorkernel/internal/guardian"
	"github.com/technosupport/proctorkernel/internal/httpapi"
	"github.com/technosupport/proctorkernel/internal/ledger"
	"github.com/technosupport/proctorkernel/internal/middleware"
	"github.com/technosupport/proctorkernel/internal/objectdetector"
	"github.com/technosupport/proctorkernel/internal/ratelimit"
	"github.com/technosupport/proctorkernel/internal/supervisor"
	"github.com/technosupport/proctorkernel/internal/tokens"
	"github.com/technosupport/proctorkernel/internal/transport"
	"github.com/technosupport/proctorkernel/internal/verifier"
	"github.com/technosupport/proctorkernel/internal/wsapi"
)

const serviceName = "proctorsvc"

func main() {
	dbHost := os.Getenv("DB_HOST")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	redisAddr := os.Getenv("REDIS_ADDR")
	jwtKey := os.Getenv("JWT_SIGNING_KEY")
	natsURL := os.Getenv("NATS_URL")
	minioEndpoint := os.Getenv("MINIO_ENDPOINT")
	minioAccessKey := os.Getenv("MINIO_ACCESS_KEY")
	minioSecretKey := os.Getenv("MINIO_SECRET_KEY")
	generativeURL := os.Getenv("GENERATIVE_BASE_URL")
	generativeKey := os.Getenv("GENERATIVE_API_KEY")
	generativeModel := os.Getenv("GENERATIVE_MODEL")

	if jwtKey == "" {
		jwtKey = "dev-secret-do-not-use-in-prod"
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable", dbUser, dbPass, dbHost, dbName)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping error: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	nc, err := nats.Connect(natsURL, nats.Name(serviceName))
	if err != nil {
		log.Fatalf("nats connect error: %v", err)
	}
	defer nc.Close()

	minioClient, err := minio.New(minioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioAccessKey, minioSecretKey, ""),
		Secure: false,
	})
	if err != nil {
		log.Fatalf("minio client error: %v", err)
	}

	keyring := crypto.NewKeyring()
	if err := keyring.LoadFromEnv(); err != nil {
		log.Fatalf("keyring init error: %v", err)
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/default.yaml"
	}
	cfgLoader := config.NewLoader(cfgPath)
	if _, err := cfgLoader.Load(); err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if stop, err := cfgLoader.Watch(nil); err == nil {
		defer stop()
	}

	tokenMgr := tokens.NewManager(jwtKey)
	jwtAuth := middleware.NewJWTAuth(tokenMgr)

	limiter := ratelimiter(rdb)
	rlMiddleware := middleware.NewRateLimitMiddleware(limiter, middleware.DefaultConfig())

	states := supervisor.NewStateStore(rdb, 12*time.Hour)
	ledgerSvc := ledger.NewService(db, states)
	evidenceStore := boundary.NewObjectStore(minioClient)
	capturer := evidence.New(evidenceStore, cfgLoader.Current().Capture.JPEGQuality)

	templateStore := boundary.NewTemplateStore(db, keyring)

	verifierEndpoint := os.Getenv("VERIFIER_SERVICE_URL")
	var verifierSvc *verifier.Verifier
	if verifierEndpoint != "" {
		extractor := boundary.NewDescriptorExtractor(verifierEndpoint)
		verifierSvc = verifier.New(extractor, cfgLoader.Current().Verifier)
	} else {
		log.Printf("warning: VERIFIER_SERVICE_URL not set, face verification gating disabled")
	}

	publisher := transport.NewEventPublisher(nc, "proctor.events", 3)
	subscriber := transport.NewEventSubscriber(nc, "proctor.events")
	enrollment := boundary.NewEnrollmentChecker(db)

	detector, err := buildDetector(cfgLoader.Current())
	if err != nil {
		log.Printf("warning: object detector unavailable, running face-only: %v", err)
	}

	var generator guardian.Generator
	if generativeURL != "" {
		generator = boundary.NewGenerator(generativeURL, generativeKey, generativeModel)
	} else {
		log.Printf("warning: GENERATIVE_BASE_URL not set, Guardian generative tier disabled")
	}

	sup := supervisor.New(states, ledgerSvc, capturer, detector, publisher, tokenMgr, enrollment, cfgLoader, generator, verifierSvc, templateStore, 2*time.Hour)

	cameras := boundary.NewCameraRegistry()
	httpHandler := httpapi.NewHandler(sup, cameras)
	wsHandler := wsapi.NewHandler(sup, cameras, subscriber, tokenMgr)

	router := chi.NewRouter()
	httpHandler.Mount(router, jwtAuth)
	wsHandler.Mount(router)

	handler := middleware.CORS(rlMiddleware.GlobalLimiter(middleware.RequestLogger(router)))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{Addr: ":" + port, Handler: handler}

	go func() {
		log.Printf("proctorsvc listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
}

func ratelimiter(rdb *redis.Client) *ratelimit.Limiter {
	salt := os.Getenv("RATE_LIMIT_SALT")
	return ratelimit.NewLimiter(rdb, salt)
}

// buildDetector loads the object detection graph if a model path is
// configured; its absence degrades new sessions straight to face-only
// (spec §4.3 "serving the frame pump and face analyzer is always
// possible even when the object detector is not").
func buildDetector(cfg config.SessionConfig) (*objectdetector.Detector, error) {
	modelPath := os.Getenv("OBJECT_DETECTOR_MODEL_PATH")
	if modelPath == "" {
		return nil, fmt.Errorf("OBJECT_DETECTOR_MODEL_PATH not set")
	}
	libPath := os.Getenv("ONNXRUNTIME_LIB_PATH")
	classes := append([]string{"person"}, cfg.ObjectDetector.AlertClasses...)
	m, err := objectdetector.NewONNXModel(libPath, modelPath, 640, 640, classes, 8400, len(classes)+4)
	if err != nil {
		return nil, err
	}
	return objectdetector.New(m, cfg.ObjectDetector)
}
