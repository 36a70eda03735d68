package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chenBenjamin97/object-tracker/pkg/api"
	"github.com/chenBenjamin97/object-tracker/pkg/inference"
	"github.com/chenBenjamin97/object-tracker/pkg/video"
	"github.com/spf13/viper"
)

func setDefaults() {
	viper.SetDefault("http.port", "8080")
	viper.SetDefault("directory.root", "./data")
	viper.SetDefault("directory.source", "./data/source")
	viper.SetDefault("directory.ready", "./data/ready")
	viper.SetDefault("model.backend", "worker")
	viper.SetDefault("model.worker.command", "python3")
	viper.SetDefault("model.worker.args", []string{"worker/yolo_worker.py"})
	viper.SetDefault("model.onnx.input_size", 640)
	viper.SetDefault("model.onnx.nms", 0.7)
	viper.SetDefault("pipeline.default_confidence", 0.5)
	viper.SetDefault("pipeline.default_tracker", "bytetrack")
}

//newAdapter builds the already initialized detection capability the pipeline runs with
func newAdapter() (inference.Adapter, io.Closer, error) {
	switch backend := viper.GetString("model.backend"); backend {
	case "worker":
		worker := inference.NewWorkerAdapter(viper.GetString("model.worker.command"), viper.GetStringSlice("model.worker.args")...)
		if err := worker.Start(); err != nil {
			return nil, nil, err
		}
		return worker, worker, nil
	case "onnx":
		detector, err := inference.NewONNXDetector(viper.GetString("model.onnx.path"), viper.GetString("model.onnx.names"), inference.ONNXOptions{
			InputSize: viper.GetInt("model.onnx.input_size"),
			NMSIoU:    viper.GetFloat64("model.onnx.nms"),
		})
		if err != nil {
			return nil, nil, err
		}
		return inference.NewNativeAdapter(detector), detector, nil
	default:
		return nil, nil, errors.New("unknown model.backend '" + backend + "'")
	}
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	setDefaults()
	viper.SetEnvPrefix("OBJTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Fatalf("Error: Could not read config file, got '%v'", err)
		}
		log.Printf("No config file found, using defaults and environment")
	}

	//first - create project's data root dir
	if _, err := os.Stat(viper.GetString("directory.root")); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(viper.GetString("directory.root"), 0766); err != nil {
				log.Printf("Error Creating '%s' directory, got '%v'", viper.GetString("directory.root"), err)
			}
		}
	}

	//create missing directories from config file
	for _, key := range []string{"directory.source", "directory.ready"} {
		dir := viper.GetString(key)
		if _, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0766); err != nil {
					log.Printf("Error Creating '%s' directory, got '%v'", dir, err)
				}
			}
		}
	}

	if viper.GetString("directory.source") == "" || viper.GetString("directory.ready") == "" || viper.GetString("model.backend") == "" {
		log.Fatalf("Error: Missing critical configurations")
	}

	adapter, closer, err := newAdapter()
	if err != nil {
		log.Fatalf("Error: Could not initialize model, got '%v'", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runs := api.NewRunManager(ctx, video.NewPipeline(adapter))
	srv := &http.Server{
		Addr:    ":" + viper.GetString("http.port"),
		Handler: api.SetRouter(runs),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Error: Got '%v'", err)
		}
	}()
	log.Printf("Listening on %s, model backend '%s'", srv.Addr, viper.GetString("model.backend"))

	<-ctx.Done()
	log.Printf("Shutting down, cancelling active runs")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error: Could not shut down http server, got '%v'", err)
	}
	runs.Shutdown()
}
