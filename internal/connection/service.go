package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/querychat/internal/common"
	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for unknown connections and for connections
	// owned by someone else.
	ErrNotFound = errors.New("connection not found")
	ErrInvalid  = errors.New("invalid connection")
)

var defaultPorts = map[datasource.EngineKind]int{
	datasource.EnginePostgres:  5432,
	datasource.EngineMySQL:     3306,
	datasource.EngineSQLServer: 1433,
	datasource.EngineMongoDB:   27017,
}

type NewConnection struct {
	Name     string `json:"name" binding:"required,max=100"`
	Engine   string `json:"engine" binding:"required"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port" binding:"omitempty,min=1,max=65535"`
	Database string `json:"database" binding:"required"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSL      bool   `json:"ssl"`
}

type Service struct {
	repo     *Repo
	creds    credential.Store
	adapters *datasource.Registry
}

func NewService(repo *Repo, creds credential.Store, adapters *datasource.Registry) *Service {
	return &Service{repo: repo, creds: creds, adapters: adapters}
}

func (s *Service) Create(ctx context.Context, userID uint64, req NewConnection) (*Connection, error) {
	kind, err := datasource.ParseEngineKind(req.Engine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := s.adapters.Get(kind); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	name := strings.TrimSpace(req.Name)
	host := strings.TrimSpace(req.Host)
	database := strings.TrimSpace(req.Database)
	if name == "" || host == "" || database == "" {
		return nil, fmt.Errorf("%w: name, host and database are required", ErrInvalid)
	}
	port := req.Port
	if port == 0 {
		port = defaultPorts[kind]
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalid, port)
	}

	secretRef, err := s.creds.Encrypt(req.Password)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Name:         name,
		Kind:         string(kind),
		Host:         host,
		Port:         port,
		DatabaseName: database,
		Username:     strings.TrimSpace(req.Username),
		SecretRef:    secretRef,
		SSL:          req.SSL,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, userID uint64) ([]Connection, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *Service) Get(ctx context.Context, userID uint64, id string) (*Connection, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) Delete(ctx context.Context, userID uint64, id string) error {
	ok, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Descriptor resolves a connection the owner may query. It satisfies the
// conversation service's source lookup.
func (s *Service) Descriptor(ctx context.Context, ownerID uint64, id string) (datasource.Descriptor, error) {
	c, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return datasource.Descriptor{}, err
	}
	return c.Descriptor(), nil
}

func (s *Service) resolve(ctx context.Context, userID uint64, id string) (datasource.Adapter, datasource.Descriptor, error) {
	d, err := s.Descriptor(ctx, userID, id)
	if err != nil {
		return nil, d, err
	}
	a, err := s.adapters.Get(d.Kind)
	if err != nil {
		return nil, d, err
	}
	return a, d, nil
}

func (s *Service) Test(ctx context.Context, userID uint64, id string) (bool, error) {
	a, d, err := s.resolve(ctx, userID, id)
	if err != nil {
		return false, err
	}
	return a.TestConnection(ctx, d), nil
}

func (s *Service) StructuredSchema(ctx context.Context, userID uint64, id string) (*datasource.Schema, error) {
	a, d, err := s.resolve(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return a.GetStructuredSchema(ctx, d)
}

func (s *Service) RawSchema(ctx context.Context, userID uint64, id string) (string, error) {
	a, d, err := s.resolve(ctx, userID, id)
	if err != nil {
		return "", err
	}
	return a.GetRawSchema(ctx, d)
}

// Query runs query as-is against the connection.
func (s *Service) Query(ctx context.Context, userID uint64, id, query string) (*datasource.QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalid)
	}
	a, d, err := s.resolve(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return a.ExecuteQuery(ctx, d, query)
}
