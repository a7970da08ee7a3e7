package app

import (
	"encoding/json"
	"net/http"

	"github.com/nbd-wtf/go-nostr/nip11"
)

// Info is the relay information document.
func (rl *Relay) Info() *nip11.RelayInformationDocument {
	return &nip11.RelayInformationDocument{
		Name:          rl.Config.Profile,
		Description:   "nostr event relay paid per packet over payment channels",
		PubKey:        rl.Pubkey,
		SupportedNIPs: []int{1, 11, 42},
		Software:      Software,
		Version:       Version,
	}
}

func (rl *Relay) HandleNIP11(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/nostr+json")
	chk.E(json.NewEncoder(w).Encode(rl.Info()))
}
