// Package debughttp exposes a small read-only HTTP surface for
// operational visibility: list states, player selection, and a liveness
// probe. The control protocols themselves stay TCP-only; this is purely
// a side-channel for humans and monitoring.
package debughttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/jbrzusto/awgsrv/player"
	"github.com/jbrzusto/awgsrv/status"
)

// listStatus is the JSON shape of one list's reported state.
type listStatus struct {
	ID           int    `json:"id"`
	State        string `json:"state"`
	TotalFrames  uint32 `json:"total_frames"`
	LoadedFrames uint32 `json:"loaded_frames"`
}

// playerStatus is the JSON shape of /status.
type playerStatus struct {
	Playing  bool         `json:"playing"`
	CurList  int          `json:"cur_list"`
	NextList int          `json:"next_list"`
	Lists    []listStatus `json:"lists"`
}

// NewRouter returns a chi.Router serving GET /healthz and GET /status
// against the given player and publisher. Neither handler mutates state.
func NewRouter(p *player.Player, pub *status.Publisher) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		p.Lock()
		st := playerStatus{
			Playing:  p.Playing(),
			CurList:  p.CurList(),
			NextList: p.NextList(),
			Lists:    make([]listStatus, 2),
		}
		for i := 0; i < 2; i++ {
			l := p.List(i)
			st.Lists[i] = listStatus{
				ID:           i,
				State:        l.State().String(),
				TotalFrames:  l.TotalFrames(),
				LoadedFrames: l.LoadedFrames(),
			}
		}
		p.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	})

	return r
}
