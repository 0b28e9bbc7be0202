package apiserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kbats183/shmstream/pkg/registry"
)

type streamRouter struct {
	r        chi.Router
	registry registry.Registry
}

func newStreamsRouter(router chi.Router, registry registry.Registry) *streamRouter {
	return &streamRouter{
		r:        router,
		registry: registry,
	}
}

func (router *streamRouter) Routes() {
	router.r.Route("/api/streams", func(r chi.Router) {
		r.Use(ContentTypeJson)
		r.Get("/", router.getStreams())
		r.Get("/{id}", router.getStreamById())
		r.Delete("/{id}", router.kickStreamById())
		r.Get("/{id}/status", router.getStreamStatusById())
		r.Get("/{id}/viewers", router.getStreamViewersById())
		r.Delete("/{id}/viewers/{slot}", router.kickViewerBySlot())
	})
	router.r.With(ContentTypeJson).Get("/api/viewers", router.getViewers())
	router.r.Get("/api/viewers/ws", router.viewersFeed())
}

func (router *streamRouter) getStreams() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streams, err := router.registry.GetStreams()
		if err != nil {
			handleErrors(w, err)
			return
		}
		writeJSON(w, streams)
	}
}

func (router *streamRouter) getStreamById() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream, err := router.registry.GetStream(streamParam(r))
		if err != nil {
			handleErrors(w, err)
			return
		}
		writeJSON(w, stream)
	}
}

func (router *streamRouter) kickStreamById() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := streamParam(r)
		kicked, err := router.registry.KickStream(name)
		if err != nil {
			handleErrors(w, err)
			return
		}
		writeJSON(w, KickResult{Stream: name, Kicked: kicked})
	}
}

func (router *streamRouter) getStreamStatusById() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := router.registry.GetStatus(streamParam(r))
		if err != nil {
			handleErrors(w, err)
			return
		}
		writeJSON(w, status)
	}
}

func (router *streamRouter) getStreamViewersById() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		viewers, err := router.registry.GetViewers(streamParam(r))
		if err != nil {
			handleErrors(w, err)
			return
		}
		writeJSON(w, viewers)
	}
}

func (router *streamRouter) kickViewerBySlot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := slotParam(r)
		if err != nil {
			handleErrors(w, err)
			return
		}
		name := streamParam(r)
		if err := router.registry.KickViewer(name, slot); err != nil {
			handleErrors(w, err)
			return
		}
		writeJSON(w, KickResult{Stream: name, Kicked: 1})
	}
}

func (router *streamRouter) getViewers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, router.registry.AllViewers())
	}
}
