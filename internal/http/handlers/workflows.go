package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

// workflows is the static transformation catalog. Entries map one-to-one to
// workflow graphs deployed on the remote worker.
var workflows = []workflow{
	{
		ID:          "lastnurses_api",
		Name:        "lastnurses_api",
		DisplayName: "The Last Nurses",
		Description: "See your workplace as the post-apocalyptic world it already is.",
	},
	{
		ID:          "nursefilter_v2",
		Name:        "nursefilter_v2",
		DisplayName: "Modern Nurse Filter",
		Description: "Contemporary medical professional style.",
	},
}

func (a *App) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (a *App) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, wf := range workflows {
		if wf.ID == id {
			a.json(w, http.StatusOK, wf)
			return
		}
	}
	a.error(w, http.StatusNotFound, "not_found", "workflow not found")
}
