package webapp

import (
	"net/http"
	"time"

	"hw-inspector/internal/app"
	"hw-inspector/internal/domain/model"
)

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	schemaVersion, _ := s.store.GetSchemaMetaValue(r.Context(), "schema_version")

	ids := map[string]any{}
	for _, kind := range []model.Bus{model.BusUSB, model.BusPCI} {
		db := s.reg.Get(kind)
		if db == nil {
			ids[string(kind)] = map[string]any{"loaded": false}
			continue
		}
		ids[string(kind)] = map[string]any{
			"loaded":        true,
			"vendors":       db.VendorCount(),
			"products":      db.ProductCount(),
			"from_override": db.FromOverride,
			"loaded_at":     db.LoadedAt.Unix(),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version": schemaVersion,
			"path":           s.opts.Config.DBPath,
			"in_memory":      s.inMemory,
		},
		"ids": ids,
	})
}
