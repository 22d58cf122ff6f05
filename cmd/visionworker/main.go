// visionworker hosts the model-serving side of C7's HTTP-delegated
// face descriptor extraction and the vision-side gRPC surface
// (service-to-service health, guarded by a shared-secret interceptor).
// Grounded on the teacher's cmd/ai-service: a standalone process that
// owns the ONNX runtime and is reachable only from proctorsvc, never
// from the embedding exam UI directly.
package main

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/technosupport/proctorkernel/internal/boundary"
	"github.com/technosupport/proctorkernel/internal/middleware"
)

func main() {
	modelPath := os.Getenv("EMBEDDING_MODEL_PATH")
	libPath := os.Getenv("ONNXRUNTIME_LIB_PATH")
	grpcAddr := os.Getenv("GRPC_ADDR")
	if grpcAddr == "" {
		grpcAddr = ":9090"
	}
	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":9091"
	}
	secret := os.Getenv("VISION_SERVICE_SECRET")
	if secret == "" {
		log.Fatalf("VISION_SERVICE_SECRET must be set")
	}
	if modelPath == "" {
		log.Fatalf("EMBEDDING_MODEL_PATH must be set")
	}

	model, err := boundary.NewEmbeddingModel(libPath, modelPath, 112, 112, 128)
	if err != nil {
		log.Fatalf("embedding model load error: %v", err)
	}
	defer model.Close()

	auth := middleware.NewGRPCServiceAuthInterceptor(secret)
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(auth.Unary()),
		grpc.StreamInterceptor(auth.Stream()),
	)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("visionworker", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSrv)

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("grpc listen error: %v", err)
	}
	go func() {
		log.Printf("visionworker gRPC listening on %s", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc serve error: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/extract", extractHandler(model))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		log.Printf("visionworker HTTP listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http serve error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	grpcServer.GracefulStop()
}

type extractResponse struct {
	Descriptor []float32 `json:"descriptor"`
	FaceCount  int       `json:"face_count"`
}

// extractHandler implements the DescriptorExtractor wire contract
// (boundary.DescriptorExtractor.Extract): a JPEG multipart upload in,
// a descriptor vector and face count out. Face localization is left to
// the embedding exam UI's own crop (spec §9: distance computation and
// voting stay in-process; extraction is the only delegated step), so
// this treats the whole uploaded image as a single face crop.
func extractHandler(model *boundary.EmbeddingModel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		img, err := jpeg.Decode(file)
		if err != nil {
			http.Error(w, "invalid jpeg", http.StatusBadRequest)
			return
		}
		rgba := toRGBA(img)

		descriptor, err := model.Embed(rgba)
		if err != nil {
			log.Printf("[visionworker] embed error: %v", err)
			http.Error(w, "inference failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(extractResponse{Descriptor: descriptor, FaceCount: 1})
	}
}

// toRGBA normalizes whatever concrete type jpeg.Decode returns (usually
// *image.YCbCr) into the *image.RGBA shape EmbeddingModel.Embed expects,
// matching the zero-copy view model.Frame.ToImage produces in proctorsvc.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}
