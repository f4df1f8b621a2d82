package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// FirestoreStore implements registry.Store using Google Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	host   string
}

func NewFirestoreStore(client *firestore.Client, host string) *FirestoreStore {
	return &FirestoreStore{client: client, host: host}
}

// registrationRecord is the internal DB representation. The document ID is
// the node.
type registrationRecord struct {
	User       string    `firestore:"user"`
	DeviceID   string    `firestore:"device_id"`
	DeviceName string    `firestore:"device_name,omitempty"`
	Token      string    `firestore:"token"`
	AppID      string    `firestore:"app_id,omitempty"`
	Backend    string    `firestore:"backend"`
	CreatedAt  time.Time `firestore:"created_at"`
}

func (s *FirestoreStore) Load(ctx context.Context) ([]registry.Registration, error) {
	iter := s.registrations().Documents(ctx)
	defer iter.Stop()

	var regs []registry.Registration
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record registrationRecord
		if err := doc.DataTo(&record); err != nil {
			return nil, fmt.Errorf("failed to decode registration %s: %w", doc.Ref.ID, err)
		}
		reg, err := record.toRegistration(doc.Ref.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid registration %s: %w", doc.Ref.ID, err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// Save makes the collection match regs: stale documents are deleted and
// the rest overwritten.
func (s *FirestoreStore) Save(ctx context.Context, regs []registry.Registration) error {
	keep := make(map[string]struct{}, len(regs))
	for _, r := range regs {
		keep[r.Node] = struct{}{}
	}

	refs, err := s.registrations().DocumentRefs(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to list stored registrations: %w", err)
	}

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for _, ref := range refs {
		if _, ok := keep[ref.ID]; ok {
			continue
		}
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue delete of %s: %w", ref.ID, err)
		}
		jobs = append(jobs, job)
	}
	for _, r := range regs {
		job, err := bw.Set(s.registrations().Doc(r.Node), fromRegistration(r))
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue write of %s: %w", r.Node, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to save registrations: %w", err)
		}
	}
	return nil
}

// registrations: components/{host}/registrations/{node}
func (s *FirestoreStore) registrations() *firestore.CollectionRef {
	return s.client.Collection("components").Doc(s.host).Collection("registrations")
}

func fromRegistration(r registry.Registration) registrationRecord {
	return registrationRecord{
		User:       r.User.String(),
		DeviceID:   r.DeviceID,
		DeviceName: r.DeviceName,
		Token:      r.Token,
		AppID:      r.AppID,
		Backend:    string(r.Backend),
		CreatedAt:  r.Timestamp,
	}
}

func (rec registrationRecord) toRegistration(node string) (registry.Registration, error) {
	user, err := xmpp.ParseJID(rec.User)
	if err != nil {
		return registry.Registration{}, err
	}
	backend, err := dispatch.ParseBackendKind(rec.Backend)
	if err != nil {
		return registry.Registration{}, err
	}
	return registry.Registration{
		Node:       node,
		User:       user,
		DeviceID:   rec.DeviceID,
		DeviceName: rec.DeviceName,
		Token:      rec.Token,
		AppID:      rec.AppID,
		Backend:    backend,
		Timestamp:  rec.CreatedAt,
	}, nil
}
