package handler

import (
	"github.com/go-chi/chi/v5"
)

// API groups the authenticated handlers.
type API struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Users         *UserHandler
	Feed          *FeedHandler
}

// Mount registers the API routes on r. Authentication and rate limiting are
// the caller's middleware.
func (a *API) Mount(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Put("/me", a.Users.UpsertMe)
		r.Put("/me/presence", a.Users.SetPresence)
		r.Get("/{id}", a.Users.Get)
	})

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", a.Conversations.List)
		r.Post("/", a.Conversations.Create)
		r.Post("/direct", a.Conversations.StartDirect)
		r.Get("/members", a.Conversations.Members)
		r.Get("/latest", a.Conversations.Latest)
		r.Get("/unread", a.Conversations.Unread)

		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", a.Conversations.Rename)
			r.Post("/members", a.Conversations.AddMembers)
			r.Put("/read", a.Conversations.MarkRead)

			// Messages
			r.Get("/messages", a.Messages.List)
			r.Post("/messages", a.Messages.Send)
		})
	})

	r.Post("/messages/read", a.Messages.MarkRead)
	r.Get("/feed", a.Feed.Stream)
}
