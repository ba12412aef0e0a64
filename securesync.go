// Package securesync - signed, counter-stamped record replication between one aggregator
// and many distributed nodes
package securesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/securesync/config"
	"github.com/alwitt/securesync/db"
	"github.com/alwitt/securesync/encryption"
	"github.com/alwitt/securesync/engine"
	"github.com/alwitt/securesync/identity"
	"github.com/alwitt/securesync/models"
	"github.com/alwitt/securesync/registration"
	"github.com/alwitt/securesync/registry"
	"github.com/alwitt/securesync/session"
	"github.com/alwitt/securesync/store"
	"github.com/alwitt/securesync/syncer"
	"github.com/alwitt/securesync/transport"
	"github.com/alwitt/securesync/trust"
	"github.com/apex/log"
	"gorm.io/gorm/logger"
)

// Version software version reported to peers
const Version = "0.1.0"

// Node one running securesync node, aggregator or distributed
type Node struct {
	Config      config.Config
	Persistence db.Client
	Crypto      encryption.CryptographyEngine
	Signer      identity.Capability
	Descriptor  models.SyncRecord
	Records     store.RecordStore
	Engine      engine.Engine
	Graph       trust.Graph

	// Aggregator only
	Users         registry.Users
	Organizations registry.Organizations
	Registrar     registration.Registrar
	Sessions      session.Manager
	API           *transport.APIServer

	// Distributed only
	Negotiator   session.Negotiator
	Syncer       syncer.Syncer
	Registration registration.Client
}

/*
NewNode initialize a node: open the database, bootstrap the own device, and wire the
components the node's role needs.

	@param ctx context.Context - execution context
	@param cfg config.Config - node configuration
	@param dbLogLevel logger.LogLevel - SQL log level
	@returns new node
*/
func NewNode(ctx context.Context, cfg config.Config, dbLogLevel logger.LogLevel) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialector, err := db.GetDialector(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	persistence, err := db.NewConnection(dialector, dbLogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized persistence client [%w]", err)
	}
	if err := persistence.RunSQLInTransaction(ctx, db.DefineTables); err != nil {
		return nil, fmt.Errorf("failed to prepare tables [%w]", err)
	}

	cryptoEngine, err := encryption.NewCryptographyEngine(ctx, encryption.CryptographyEngineParams{
		Persistence:        persistence,
		PrimaryRSACertFile: cfg.Crypto.RSACertFile,
		PrimaryRSAKeyFile:  cfg.Crypto.RSAKeyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized cryptography engine [%w]", err)
	}

	signer, descriptor, err := identity.Bootstrap(ctx, identity.BootstrapParams{
		Persistence: persistence,
		Crypto:      cryptoEngine,
		Role:        cfg.Node.Role,
		DeviceName:  cfg.Node.Name,
		Description: cfg.Node.Description,
		Version:     Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to bootstrap own device [%w]", err)
	}

	records, err := store.NewRecordStore(persistence, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized record store [%w]", err)
	}
	exchange, err := engine.NewEngine(persistence, signer, cfg.Node.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized exchange engine [%w]", err)
	}

	node := &Node{
		Config:      cfg,
		Persistence: persistence,
		Crypto:      cryptoEngine,
		Signer:      signer,
		Descriptor:  descriptor,
		Records:     records,
		Engine:      exchange,
		Graph:       trust.NewGraph(persistence, records, cfg.Node.Role),
	}

	switch cfg.Node.Role {
	case models.NodeRoleAggregator:
		err = node.wireAggregator(ctx)
	case models.NodeRoleDistributed:
		err = node.wireDistributed()
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (n *Node) wireAggregator(ctx context.Context) error {
	n.Users = registry.NewUsers(n.Persistence, 0)
	n.Organizations = registry.NewOrganizations(n.Persistence)
	if _, err := n.Organizations.GetOrCreateHeadless(ctx, nil); err != nil {
		return err
	}

	var err error
	if n.Registrar, err = registration.NewRegistrar(registration.RegistrarParams{
		Persistence:   n.Persistence,
		Records:       n.Records,
		Engine:        n.Engine,
		Graph:         n.Graph,
		Users:         n.Users,
		Organizations: n.Organizations,
	}); err != nil {
		return fmt.Errorf("failed to initialized registrar [%w]", err)
	}

	server := n.Config.Server
	if n.Sessions, err = session.NewManager(session.ManagerParams{
		Persistence:      n.Persistence,
		Signer:           n.Signer,
		Nonces:           n.Crypto,
		TokenSecret:      []byte(server.TokenSecret),
		TokenTTL:         server.TokenTTL,
		HandshakeTimeout: server.HandshakeTimeout,
		IdleTimeout:      server.SessionIdleTimeout,
	}); err != nil {
		return fmt.Errorf("failed to initialized session manager [%w]", err)
	}

	if n.API, err = transport.NewAPIServer(transport.APIServerParams{
		Persistence:          n.Persistence,
		Engine:               n.Engine,
		Sessions:             n.Sessions,
		Registrar:            n.Registrar,
		MaxRecordsPerRequest: server.MaxRecordsPerRequest,
	}); err != nil {
		return fmt.Errorf("failed to initialized API server [%w]", err)
	}
	return nil
}

func (n *Node) wireDistributed() error {
	n.Negotiator = session.NewNegotiator(n.Persistence, n.Signer, n.Crypto, Version)
	n.Registration = registration.NewClient(n.Persistence, n.Signer)

	var err error
	if n.Syncer, err = syncer.NewSyncer(syncer.Params{
		Persistence:          n.Persistence,
		Engine:               n.Engine,
		Negotiator:           n.Negotiator,
		MaxRecordsPerRequest: n.Config.Sync.MaxRecordsPerRequest,
		ExchangeTimeout:      n.Config.Sync.ExchangeTimeout,
	}); err != nil {
		return fmt.Errorf("failed to initialized syncer [%w]", err)
	}
	return nil
}

func (n *Node) requireRole(role models.NodeRoleENUMType, operation string) error {
	if n.Config.Node.Role != role {
		return models.NewSyncError(
			models.ErrCodeInvalidRequest, "only a %s node can %s", role, operation,
		)
	}
	return nil
}

// Peer protocol client of the configured aggregator
func (n *Node) Peer() (*transport.Client, error) {
	return transport.NewClient(transport.ClientParams{
		BaseURL: n.Config.Sync.PeerURL(),
		Timeout: n.Config.Sync.RequestTimeout,
		Retries: n.Config.Sync.Retries,
	})
}

/*
Register join this distributed node to a zone of the aggregator

	@param ctx context.Context - execution context
	@param username string - aggregator user name
	@param password string - aggregator user password
	@param zoneID string - the zone
	@returns node parameters after registration
*/
func (n *Node) Register(
	ctx context.Context, username, password, zoneID string,
) (models.NodeParams, error) {
	if err := n.requireRole(models.NodeRoleDistributed, "register"); err != nil {
		return models.NodeParams{}, err
	}
	peer, err := n.Peer()
	if err != nil {
		return models.NodeParams{}, err
	}
	return n.Registration.Register(ctx, peer, username, password, zoneID)
}

/*
Sync run one exchange with the aggregator, then prune old sessions

	@param ctx context.Context - execution context
	@returns summary of what moved
*/
func (n *Node) Sync(ctx context.Context) (models.SyncSummary, error) {
	if err := n.requireRole(models.NodeRoleDistributed, "sync"); err != nil {
		return models.SyncSummary{}, err
	}
	peer, err := n.Peer()
	if err != nil {
		return models.SyncSummary{}, err
	}
	summary, err := n.Syncer.Exchange(ctx, peer)
	if err != nil {
		return summary, err
	}
	if _, err := n.Negotiator.Prune(ctx, n.Config.Sync.SessionRetention); err != nil {
		log.WithError(err).Warn("Failed to prune ended sessions")
	}
	return summary, nil
}

/*
CreateZone define a zone owned by an organization. Without an organization the zone
belongs to the headless organization.

	@param ctx context.Context - execution context
	@param name string - zone name
	@param description string - zone description
	@param orgID string - owning organization, empty for headless
	@returns the ZONE record
*/
func (n *Node) CreateZone(
	ctx context.Context, name, description, orgID string,
) (models.SyncRecord, error) {
	if err := n.requireRole(models.NodeRoleAggregator, "define zones"); err != nil {
		return models.SyncRecord{}, err
	}
	var zone models.SyncRecord
	err := n.Persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			if orgID == "" {
				headless, err := n.Organizations.GetOrCreateHeadless(dbCtx, dbClient)
				if err != nil {
					return err
				}
				orgID = headless.ID
			}
			var err error
			if zone, err = n.Graph.CreateZone(dbCtx, name, description, dbClient); err != nil {
				return err
			}
			return n.Organizations.AssignZone(dbCtx, orgID, zone.ID, dbClient)
		},
	)
	return zone, err
}

/*
Statistics count the entries held by this node

	@param ctx context.Context - execution context
	@returns the counts
*/
func (n *Node) Statistics(ctx context.Context) (db.NodeStatistics, error) {
	var stats db.NodeStatistics
	err := n.Persistence.UseDatabase(ctx, func(dbCtx context.Context, dbClient db.Database) error {
		var err error
		stats, err = dbClient.GetStatistics(dbCtx)
		return err
	})
	return stats, err
}

// Handler HTTP handler of the aggregator API
func (n *Node) Handler() (http.Handler, error) {
	if err := n.requireRole(models.NodeRoleAggregator, "serve the API"); err != nil {
		return nil, err
	}
	return n.API.Router(), nil
}

/*
Serve run the aggregator API until the context is cancelled

	@param ctx context.Context - execution context
*/
func (n *Node) Serve(ctx context.Context) error {
	handler, err := n.Handler()
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:         n.Config.Server.ListenOn,
		Handler:      handler,
		ReadTimeout:  n.Config.Server.ReadTimeout,
		WriteTimeout: n.Config.Server.WriteTimeout,
		IdleTimeout:  n.Config.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("listen", server.Addr).Info("Serving sync API")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("sync API server failed [%w]", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("sync API server shutdown failed [%w]", err)
	}
	return nil
}

// Stop release the node's background routines
func (n *Node) Stop() {
	if n.Sessions != nil {
		n.Sessions.Stop()
	}
}
