// Package app wires the subsystems together and exposes them over HTTP:
// tenant lifecycle, authentication, the type registry, the structured query
// surface and content CRUD with indexing.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"depot/api/internal/acl"
	"depot/api/internal/cache"
	"depot/api/internal/config"
	"depot/api/internal/model"
	"depot/api/internal/principal"
	"depot/api/internal/query"
	"depot/api/internal/search"
	"depot/api/internal/store"
	"depot/api/internal/token"
	"depot/api/internal/types"
)

// tokenApp scopes every token issued through the HTTP surface.
const tokenApp = "depot"

type Service struct {
	cfg         config.Config
	db          *sql.DB
	contents    *store.ContentStore
	attachments *store.AttachmentStore
	auth        principal.Authenticator
	types       *types.Manager
	expander    *acl.Expander
	tokens      *token.Service
	pool        *cache.Pool
	searches    *search.Service
	processor   *query.Processor
}

// New assembles the service. attachments may be nil when no object store is
// configured; content-stream endpoints then report the feature unavailable.
func New(cfg config.Config, db *sql.DB, searches *search.Service, tokenStore token.Store, attachments *store.AttachmentStore, cacheCfg cache.Config) *Service {
	contents := store.NewContentStore(db)
	directory := principal.NewPostgresDirectory(db)
	pool := cache.NewPool(cacheCfg)
	manager := types.NewManager(contents, pool)
	expander := acl.NewExpander(directory)
	tokens := token.NewService(tokenStore, directory, cfg.TokenTTL)
	processor := query.NewProcessor(manager, contents, expander, searches.Native())

	return &Service{
		cfg:         cfg,
		db:          db,
		contents:    contents,
		attachments: attachments,
		auth:        directory,
		types:       manager,
		expander:    expander,
		tokens:      tokens,
		pool:        pool,
		searches:    searches,
		processor:   processor,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// principalCtx bounds a directory-backed permission or credential lookup.
func (s *Service) principalCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.PrincipalTimeout)
}

// Bootstrap activates every registered repository. Failures are logged and
// skipped so one broken tenant does not block startup.
func (s *Service) Bootstrap(ctx context.Context) error {
	ids, err := s.contents.ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	for _, id := range ids {
		if err := s.ActivateRepository(ctx, id); err != nil {
			log.Printf("app: activate %s failed: %v", id, err)
		}
	}
	return nil
}

// ActivateRepository brings a tenant online: a fresh cache instance, the
// stored type definitions registered over the base types, and the admin
// set re-scanned so it is never stale.
func (s *Service) ActivateRepository(ctx context.Context, repositoryID string) error {
	defs, err := s.contents.ListTypeDefinitions(ctx, repositoryID)
	if err != nil {
		return err
	}
	s.pool.Add(repositoryID)
	if err := s.types.AddRepository(repositoryID, defs); err != nil {
		s.pool.Remove(repositoryID)
		return err
	}
	pctx, cancel := s.principalCtx(ctx)
	defer cancel()
	if err := s.tokens.RescanAdmins(pctx, repositoryID); err != nil {
		return err
	}
	log.Printf("app: repository %s activated with %d custom types", repositoryID, len(defs))
	return nil
}

// DeactivateRepository takes a tenant offline and drops its per-tenant
// state. Stored data is untouched.
func (s *Service) DeactivateRepository(repositoryID string) {
	s.types.RemoveRepository(repositoryID)
	s.pool.Remove(repositoryID)
	s.tokens.DropAdmins(repositoryID)
	log.Printf("app: repository %s deactivated", repositoryID)
}

// SignIn verifies credentials and issues a fresh token, invalidating any
// prior token for the same user.
func (s *Service) SignIn(ctx context.Context, repositoryID, userID, password string) (model.Token, error) {
	pctx, cancel := s.principalCtx(ctx)
	defer cancel()
	ok, err := s.auth.VerifyPassword(pctx, repositoryID, userID, password)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return model.Token{}, errInvalidCredentials()
		}
		return model.Token{}, err
	}
	if !ok {
		return model.Token{}, errInvalidCredentials()
	}
	return s.tokens.SetToken(ctx, tokenApp, repositoryID, userID)
}

// ValidateToken reports whether the presented value is the user's current
// unexpired token.
func (s *Service) ValidateToken(ctx context.Context, repositoryID, userID, value string) (bool, error) {
	return s.tokens.Validate(ctx, tokenApp, repositoryID, userID, value)
}

// Query runs one structured statement for the caller.
func (s *Service) Query(ctx context.Context, repositoryID, userID, statement string, skip, max int) (*query.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SearchTimeout)
	defer cancel()
	res, err := s.processor.Query(ctx, repositoryID, userID, statement, query.Options{SkipCount: skip, MaxItems: max})
	if err != nil {
		return nil, mapSentinel(err)
	}
	return res, nil
}

// FullTextSearch is the plain search path: engine full text restricted by
// the caller's reader filter, no statement language involved.
func (s *Service) FullTextSearch(ctx context.Context, repositoryID, userID, text string, start, rows int) (search.Results, error) {
	pctx, cancel := s.principalCtx(ctx)
	defer cancel()
	readerFilter := ""
	admin, err := s.expander.IsAdmin(pctx, repositoryID, userID)
	if err != nil {
		return search.Results{}, err
	}
	if !admin {
		readerFilter, err = s.expander.BuildReaderFilterQuery(pctx, repositoryID, userID)
		if err != nil {
			return search.Results{}, err
		}
	}
	searchCtx, cancel := context.WithTimeout(ctx, s.cfg.SearchTimeout)
	defer cancel()
	res, err := s.searches.FullText(searchCtx, repositoryID, text, readerFilter, start, rows)
	if err != nil {
		return search.Results{}, mapSentinel(err)
	}

	// The fallback engine cannot filter by reader natively, and the index
	// may lag; the expanded ACLs are authoritative either way.
	candidates := make([]*model.Content, 0, len(res.Hits))
	byID := make(map[string]search.Hit, len(res.Hits))
	for _, hit := range res.Hits {
		c, err := s.contents.GetContent(ctx, repositoryID, hit.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return search.Results{}, err
		}
		candidates = append(candidates, c)
		byID[c.ID] = hit
	}
	filterCtx, cancelFilter := s.principalCtx(ctx)
	defer cancelFilter()
	permitted, err := s.expander.FilterReadable(filterCtx, repositoryID, userID, candidates)
	if err != nil {
		return search.Results{}, err
	}
	hits := make([]search.Hit, 0, len(permitted))
	for _, c := range permitted {
		hits = append(hits, byID[c.ID])
	}
	return search.Results{Hits: hits, Total: res.Total}, nil
}

// GetTypeDefinition returns a type with its resolved property set.
func (s *Service) GetTypeDefinition(repositoryID, typeID string) (*model.TypeDefinition, error) {
	def, err := s.types.GetTypeDefinition(repositoryID, typeID)
	if err != nil {
		return nil, mapSentinel(err)
	}
	return def, nil
}

// GetTypesDescendants returns the subtree below typeID.
func (s *Service) GetTypesDescendants(repositoryID, typeID string, depth int, includeProperties bool) (*model.TypeContainer, error) {
	node, err := s.types.GetTypesDescendants(repositoryID, typeID, depth, includeProperties)
	if err != nil {
		return nil, mapSentinel(err)
	}
	return node, nil
}

// CreateTypeDefinition registers and persists a custom subtype.
func (s *Service) CreateTypeDefinition(ctx context.Context, repositoryID string, def *model.TypeDefinition, addInheritedProperties bool) error {
	if err := s.types.AddTypeDefinition(repositoryID, def, addInheritedProperties); err != nil {
		return mapSentinel(err)
	}
	if err := s.contents.SaveTypeDefinition(ctx, repositoryID, def); err != nil {
		return err
	}
	return nil
}

// UpdateTypeDefinition applies a mutation to a custom type and persists it.
func (s *Service) UpdateTypeDefinition(ctx context.Context, repositoryID string, def *model.TypeDefinition) error {
	if err := s.types.UpdateTypeDefinition(repositoryID, def); err != nil {
		return mapSentinel(err)
	}
	return s.contents.SaveTypeDefinition(ctx, repositoryID, def)
}

// DeleteTypeDefinition removes a type and its descendants if no instances
// exist, then drops the persisted definitions.
func (s *Service) DeleteTypeDefinition(ctx context.Context, repositoryID, typeID string) error {
	node, err := s.types.GetTypesDescendants(repositoryID, typeID, -1, false)
	if err != nil {
		return mapSentinel(err)
	}
	if err := s.types.DeleteTypeDefinition(ctx, repositoryID, typeID); err != nil {
		return mapSentinel(err)
	}
	var drop func(n *model.TypeContainer)
	drop = func(n *model.TypeContainer) {
		if err := s.contents.DeleteTypeDefinition(ctx, repositoryID, n.Type.ID); err != nil {
			log.Printf("app: drop stored type %s: %v", n.Type.ID, err)
		}
		for _, c := range n.Children {
			drop(c)
		}
	}
	drop(node)
	return nil
}

// GetContent returns one object if the caller may read it.
func (s *Service) GetContent(ctx context.Context, repositoryID, userID, id string) (*model.Content, error) {
	c, err := s.contents.GetContent(ctx, repositoryID, id)
	if err != nil {
		return nil, mapSentinel(err)
	}
	pctx, cancel := s.principalCtx(ctx)
	defer cancel()
	permitted, err := s.expander.FilterReadable(pctx, repositoryID, userID, []*model.Content{c})
	if err != nil {
		return nil, err
	}
	if len(permitted) == 0 {
		return nil, errForbidden()
	}
	return c, nil
}

// CreateContent validates the object's type, stores it and pushes it to
// the index with its expanded reader set.
func (s *Service) CreateContent(ctx context.Context, repositoryID, userID string, c *model.Content) (*model.Content, error) {
	def, err := s.types.GetTypeDefinition(repositoryID, c.TypeID)
	if err != nil {
		return nil, mapSentinel(err)
	}
	if !def.Creatable {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type is not creatable", nil)
	}
	c.RepositoryID = repositoryID
	c.Creator = userID
	created, err := s.contents.CreateContent(ctx, c)
	if err != nil {
		return nil, err
	}
	s.pool.Get(repositoryID).Delete(cache.CategoryObject, created.ID)
	s.index(repositoryID, created, string(def.BaseTypeID))
	return created, nil
}

// UpdateACL replaces an object's ACL and reindexes its reader set.
func (s *Service) UpdateACL(ctx context.Context, repositoryID, id string, newACL *model.ACL) error {
	if err := s.contents.UpdateACL(ctx, repositoryID, id, newACL); err != nil {
		return mapSentinel(err)
	}
	s.pool.Get(repositoryID).Delete(cache.CategoryObject, id)
	c, err := s.contents.GetContent(ctx, repositoryID, id)
	if err != nil {
		return mapSentinel(err)
	}
	def, err := s.types.GetTypeDefinition(repositoryID, c.TypeID)
	if err != nil {
		return mapSentinel(err)
	}
	s.index(repositoryID, c, string(def.BaseTypeID))
	return nil
}

// DeleteContent removes the object, its attachment and its index record.
func (s *Service) DeleteContent(ctx context.Context, repositoryID, id string) error {
	c, err := s.contents.GetContent(ctx, repositoryID, id)
	if err != nil {
		return mapSentinel(err)
	}
	if err := s.contents.DeleteContent(ctx, repositoryID, id); err != nil {
		return mapSentinel(err)
	}
	s.pool.Get(repositoryID).Delete(cache.CategoryObject, id)
	if c.AttachmentID != "" && s.attachments != nil {
		if err := s.attachments.Delete(ctx, repositoryID, c.AttachmentID); err != nil {
			log.Printf("app: delete attachment %s: %v", c.AttachmentID, err)
		}
	}
	s.searches.DeleteContent(repositoryID, id)
	return nil
}

// UploadAttachment stores a content stream and returns its id for use as
// depot:contentStreamId.
func (s *Service) UploadAttachment(ctx context.Context, repositoryID, name, mimeType string, r io.Reader, length int64) (string, error) {
	if s.attachments == nil {
		return "", errAttachmentsUnavailable()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	return s.attachments.Upload(ctx, repositoryID, name, mimeType, r, length)
}

// DownloadAttachment opens a stored content stream.
func (s *Service) DownloadAttachment(ctx context.Context, repositoryID, id string) (io.ReadCloser, *store.Attachment, error) {
	if s.attachments == nil {
		return nil, nil, errAttachmentsUnavailable()
	}
	return s.attachments.Download(ctx, repositoryID, id)
}

// ClearCache drops one repository's cached entries.
func (s *Service) ClearCache(repositoryID string) {
	s.pool.Clear(repositoryID)
}

// ClearAllCaches drops every tenant's cached entries.
func (s *Service) ClearAllCaches() {
	s.pool.ClearAll()
}

// index pushes one object to the search engine in the background, with the
// reader set expanded first. Index lag is tolerated; the query path treats
// storage as authoritative.
func (s *Service) index(repositoryID string, c *model.Content, baseTypeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SearchTimeout)
	defer cancel()
	readers, err := s.expander.ExpandToReaders(ctx, repositoryID, c)
	if err != nil {
		log.Printf("app: expand readers of %s: %v", c.ID, err)
		return
	}
	s.searches.IndexContent(search.ToDocument(c, baseTypeID, readers))
}
