package handlers

import (
	"github.com/redis/go-redis/v9"

	"renderapi/internal/pkg/logger"
	"renderapi/internal/render"
	"renderapi/internal/repositories"
)

type Deps struct {
	Render *render.Service
	Store  repositories.JobStore
	// RDB is nil when no Redis queue is configured.
	RDB *redis.Client
	Log *logger.Logger
}

type Handler struct {
	render *render.Service
	store  repositories.JobStore
	rdb    *redis.Client
	log    *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		render: d.Render,
		store:  d.Store,
		rdb:    d.RDB,
		log:    log,
	}
}
