package session

import "sync"

// Subscribers is a small registry deduplicating Subscriber records by
// (MSISDN, IMSI), the identity the spec assigns them (§3). Gx session
// creation consults this registry before allocating a new record.
type Subscribers struct {
	mu    sync.Mutex
	byKey map[[2]string]*Subscriber
}

func NewSubscribers() *Subscribers {
	return &Subscribers{byKey: make(map[[2]string]*Subscriber)}
}

// GetOrCreate returns the existing Subscriber for (msisdn, imsi) or
// creates one, filling in the optional fields only on creation.
func (r *Subscribers) GetOrCreate(msisdn, imsi, sipURI, nai, private string) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]string{msisdn, imsi}
	if sub, ok := r.byKey[key]; ok {
		return sub
	}

	sub := &Subscriber{MSISDN: msisdn, IMSI: imsi, SIPURI: sipURI, NAI: nai, Private: private}
	r.byKey[key] = sub
	return sub
}
