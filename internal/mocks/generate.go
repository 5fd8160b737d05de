// Package mocks provides gomock implementations of the pipeline ports in internal/core.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	queue := mocks.NewMockWorkQueue(ctrl)
//	queue.EXPECT().Acknowledge(gomock.Any(), model.LeaseToken("lease-1")).Return(nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=work_queue_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core WorkQueue
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=result_store_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core ResultStore
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=blob_store_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core BlobStore
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=detection_engine_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core DetectionEngine
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=messaging_gateway_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core MessagingGateway
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=file_downloader_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core FileDownloader
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=completion_notifier_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core CompletionNotifier
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=cache_repository_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core CacheRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=retention_repository_mock.go github.com/Mohmmad-amer/PolybotServiceDocker/internal/core RetentionRepository
