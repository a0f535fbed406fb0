package mailstore

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/helpers"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/search"
)

// IMAP is a Store backed by one IMAP connection. Collections are mailbox
// names and item IDs are UIDs. Commands are serialised because the
// connection has a single selected mailbox.
type IMAP struct {
	mu       sync.Mutex
	c        *imapclient.Client
	name     string
	selected string
	readOnly bool
	tags     filterenv.TagRegistry
}

// DialIMAP connects and logs in. With cfg.DryRun mailboxes are selected
// read-only.
func DialIMAP(cfg config.IMAPConfig) (*IMAP, error) {
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}
	var (
		c   *imapclient.Client
		err error
	)
	if cfg.TLS {
		c, err = imapclient.DialTLS(cfg.Addr, opts)
	} else {
		c, err = imapclient.DialInsecure(cfg.Addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", cfg.Addr, consts.ErrStoreUnavailable, err)
	}
	if err := c.Login(cfg.User, cfg.Password).Wait(); err != nil {
		c.Close()
		return nil, fmt.Errorf("login to %s as %s: %w", cfg.Addr, cfg.User, err)
	}
	logger.Info("IMAP: connected", "addr", cfg.Addr, "user", cfg.User, "read_only", cfg.DryRun)
	return &IMAP{c: c, name: "imap://" + cfg.User + "@" + cfg.Addr, readOnly: cfg.DryRun}, nil
}

func (s *IMAP) Name() string { return s.name }

// SetTagRegistry makes fetched keywords that name a known tag show up as the
// item's tags instead of its flags. Without a registry items have no tags.
func (s *IMAP) SetTagRegistry(r filterenv.TagRegistry) { s.tags = r }

// observe records an operation under the "imap" label; the store name
// carries the user and would explode the label set.
func observe(op string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
	}
	metrics.StoreOperations.WithLabelValues("imap", op, status).Inc()
	metrics.StoreOperationDuration.WithLabelValues("imap", op).Observe(time.Since(start).Seconds())
}

// Close logs out and closes the connection.
func (s *IMAP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.c.Logout().Wait(); err != nil {
		logger.Debug("IMAP: logout failed", "error", err)
	}
	return s.c.Close()
}

func (s *IMAP) selectLocked(mailbox string) error {
	if s.selected == mailbox {
		return nil
	}
	if _, err := s.c.Select(mailbox, &imap.SelectOptions{ReadOnly: s.readOnly}).Wait(); err != nil {
		return fmt.Errorf("select %s: %w", mailbox, err)
	}
	s.selected = mailbox
	return nil
}

func parseUID(ref item.Ref) (imap.UID, error) {
	n, err := strconv.ParseUint(ref.ID, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%s: %w", ref, consts.ErrMessageNotFound)
	}
	return imap.UID(n), nil
}

func (s *IMAP) List(ctx context.Context, collection string) (_ []*item.Item, err error) {
	defer observe("list", time.Now(), &err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.selectLocked(collection); err != nil {
		return nil, err
	}
	msgs, err := s.c.Fetch(imap.SeqSet{{Start: 1, Stop: 0}}, &imap.FetchOptions{
		UID:        true,
		Flags:      true,
		RFC822Size: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	items := make([]*item.Item, 0, len(msgs))
	for _, m := range msgs {
		flags, tags := splitKeywords(ctx, s.tags, m.Flags)
		items = append(items, &item.Item{
			ID:         strconv.FormatUint(uint64(m.UID), 10),
			Collection: collection,
			Size:       m.RFC822Size,
			Flags:      flags,
			Tags:       tags,
		})
	}
	return items, nil
}

func (s *IMAP) Fetch(ctx context.Context, ref item.Ref, part search.RequiredPart) (_ *item.Item, err error) {
	defer observe("fetch", time.Now(), &err)
	uid, err := parseUID(ref)
	if err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{Peek: true}
	if part != search.CompleteMessage {
		section.Specifier = imap.PartSpecifierHeader
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.selectLocked(ref.Collection); err != nil {
		return nil, err
	}
	msgs, err := s.c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%s: %w", ref, consts.ErrMessageNotFound)
	}
	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("%s: %w: no body section in response", ref, consts.ErrMalformedMessage)
	}
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, consts.ErrMalformedMessage)
	}
	flags, tags := splitKeywords(ctx, s.tags, msgs[0].Flags)
	return &item.Item{
		ID:         ref.ID,
		Collection: ref.Collection,
		Size:       msgs[0].RFC822Size,
		Flags:      flags,
		Tags:       tags,
		Message:    msg,
	}, nil
}

// splitKeywords separates keywords that resolve in reg from the other flags.
// It is the inverse of storedFlags. System flags are never tags.
func splitKeywords(ctx context.Context, reg filterenv.TagRegistry, flags []imap.Flag) ([]imap.Flag, []string) {
	if reg == nil {
		return flags, nil
	}
	var (
		rest []imap.Flag
		tags []string
	)
	for _, f := range flags {
		kw := string(f)
		if strings.HasPrefix(kw, "\\") || strings.HasPrefix(kw, "$") {
			rest = append(rest, f)
			continue
		}
		t, ok, err := reg.Tag(ctx, kw)
		if err != nil {
			logger.Debug("IMAP: tag lookup failed", "keyword", kw, "error", err)
		}
		if !ok || t.ID != kw {
			rest = append(rest, f)
			continue
		}
		tags = append(tags, t.ID)
	}
	return rest, tags
}

// storedFlags are the flags written back: the item's flags plus its tags as
// keywords. \Recent is server-managed and never set by clients.
func storedFlags(it *item.Item) []imap.Flag {
	flags := make([]imap.Flag, 0, len(it.Flags)+len(it.Tags))
	for _, f := range it.Flags {
		if f != "\\Recent" {
			flags = append(flags, f)
		}
	}
	for _, t := range it.Tags {
		flags = append(flags, imap.Flag(t))
	}
	return helpers.SanitizeFlags(flags)
}

// StorePayload appends the new message and expunges the old one. The item
// takes the UID of the appended copy.
func (s *IMAP) StorePayload(_ context.Context, it *item.Item) (err error) {
	defer observe("store_payload", time.Now(), &err)
	oldUID, err := parseUID(it.Ref())
	if err != nil {
		return err
	}
	raw := it.Message.RawEncodedContent()

	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := s.c.Append(it.Collection, int64(len(raw)), &imap.AppendOptions{Flags: storedFlags(it)})
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		return fmt.Errorf("append to %s: %w", it.Collection, err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append to %s: %w", it.Collection, err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return fmt.Errorf("append to %s: %w", it.Collection, err)
	}

	if err := s.expungeLocked(it.Collection, oldUID); err != nil {
		return err
	}
	if data.UID != 0 {
		it.ID = strconv.FormatUint(uint64(data.UID), 10)
	}
	it.Size = int64(len(raw))
	return nil
}

func (s *IMAP) StoreFlags(_ context.Context, it *item.Item) (err error) {
	defer observe("store_flags", time.Now(), &err)
	uid, err := parseUID(it.Ref())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.selectLocked(it.Collection); err != nil {
		return err
	}
	err = s.c.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsSet,
		Silent: true,
		Flags:  storedFlags(it),
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("store flags of %s: %w", it.Ref(), err)
	}
	return nil
}

func (s *IMAP) expungeLocked(mailbox string, uid imap.UID) error {
	if err := s.selectLocked(mailbox); err != nil {
		return err
	}
	set := imap.UIDSetNum(uid)
	err := s.c.Store(set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("flag %s/%d deleted: %w", mailbox, uid, err)
	}
	if err := s.c.UIDExpunge(set).Close(); err != nil {
		return fmt.Errorf("expunge %s/%d: %w", mailbox, uid, err)
	}
	return nil
}

func (s *IMAP) Delete(_ context.Context, ref item.Ref) (err error) {
	defer observe("delete", time.Now(), &err)
	uid, err := parseUID(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expungeLocked(ref.Collection, uid)
}

func (s *IMAP) Move(_ context.Context, ref item.Ref, collection string) (err error) {
	defer observe("move", time.Now(), &err)
	uid, err := parseUID(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.selectLocked(ref.Collection); err != nil {
		return err
	}
	if _, err := s.c.Move(imap.UIDSetNum(uid), collection).Wait(); err != nil {
		return fmt.Errorf("move %s to %s: %w", ref, collection, err)
	}
	return nil
}

func (s *IMAP) Copy(_ context.Context, ref item.Ref, collection string) (err error) {
	defer observe("copy", time.Now(), &err)
	uid, err := parseUID(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.selectLocked(ref.Collection); err != nil {
		return err
	}
	if _, err := s.c.Copy(imap.UIDSetNum(uid), collection).Wait(); err != nil {
		return fmt.Errorf("copy %s to %s: %w", ref, collection, err)
	}
	return nil
}

var _ Store = (*IMAP)(nil)
