package app

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/kaspanet/peerpool/infrastructure/network/p2pserver"
)

// newPeersHandler serves a plain text listing of the connected peers, one
// per line, ordered by peer id.
func newPeersHandler(server p2pserver.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connections, err := server.Connections()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sort.Slice(connections, func(i, j int) bool {
			return connections[i].PeerID() < connections[j].PeerID()
		})

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "peer %d, %d/%d peers\n", server.PeerID(), len(connections), server.MaxPeers())
		for _, connection := range connections {
			fmt.Fprintf(w, "%d\t%s\t%s\n", connection.PeerID(), connection.Address(), connection)
		}
	})
}
