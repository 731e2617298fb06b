package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2/log"

	"github.com/promokit/promokit/app/repository"
	"github.com/promokit/promokit/internal/pkg/cache"
	"github.com/promokit/promokit/internal/pkg/database"
	"github.com/promokit/promokit/internal/pkg/env"
	"github.com/promokit/promokit/internal/pkg/jobqueue"
	"github.com/promokit/promokit/internal/pkg/provider"
	"github.com/promokit/promokit/internal/pkg/storage"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()

	estimator := jobqueue.NewEstimator(repos.Job, repos.Duration, true)
	queue := jobqueue.NewQueue(db, repos.Job, estimator)
	generator := provider.NewClient()

	var outputs storage.OutputStore
	if env.GetEnv("S3_ACCESS_KEY_ID", "") != "" {
		store, err := storage.NewS3Store()
		if err != nil {
			log.Fatalf("[Worker] output store init failed: %v", err)
		}
		outputs = store
	} else {
		log.Warn("[Worker] no S3 credentials configured, serving provider URLs directly")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := jobqueue.NewWorker(db, queue, repos, generator, outputs)
	worker.Start(ctx)
}
