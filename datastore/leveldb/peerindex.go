package leveldb

import (
	"gitdht/datamodel/peer"
	"gitdht/oid"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "NOD" // Contacts indexed by node ID. Followed by textual OID representation
)

var _ peer.PeerIndex = (*PeerIndex)(nil)

type PeerIndex struct {
	LevelDB
}

func NewPeerIndex(path string) (*PeerIndex, error) {
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func (l *PeerIndex) Get(id oid.Oid) (*peer.Peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromOid(keyPrefixPeer, id), nil)
	if err != nil {
		return nil, err
	}

	p := &peer.Peer{}
	if err := cbor.Unmarshal(raw, p); err != nil {
		return nil, err
	}

	// Compare the OID just in case
	if p.ID != id {
		log.Errorf("Get: NodeID mismatch: %s != %s", id, p.ID)
		return nil, ErrCorrupted
	}

	return p, nil
}

func (l *PeerIndex) Put(p *peer.Peer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := cbor.Marshal(p)
	if err != nil {
		return err
	}

	return l.db.Put(keyFromOid(keyPrefixPeer, p.ID), raw, nil)
}

func (l *PeerIndex) Delete(id oid.Oid) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Delete(keyFromOid(keyPrefixPeer, id), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	return err
}

func (l *PeerIndex) Enumerate() ([]*peer.Peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []*peer.Peer

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		p := &peer.Peer{}
		if err := cbor.Unmarshal(iter.Value(), p); err != nil {
			// A single bad record should not cost us the rest of the contacts
			log.Warnf("Enumerate: skipping undecodable contact %q: %v", iter.Key(), err)
			continue
		}
		results = append(results, p)
	}

	return results, iter.Error()
}

// Replace atomically swaps the stored contacts for the given set.
func (l *PeerIndex) Replace(peers []peer.Peer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for i := range peers {
		raw, err := cbor.Marshal(&peers[i])
		if err != nil {
			return err
		}
		batch.Put(keyFromOid(keyPrefixPeer, peers[i].ID), raw)
	}

	return l.db.Write(batch, nil)
}
