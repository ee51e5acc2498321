// Package mongodb is the document engine adapter. MongoDB has no declared
// schema, so the structured schema is inferred from sampled documents.
package mongodb

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/suPer8Hu/querychat/internal/credential"
	"github.com/suPer8Hu/querychat/internal/datasource"
)

const (
	defaultPort = 27017

	// structuredSampleSize bounds the documents read per collection for
	// field inference; rawSampleSize is the $sample size for the raw dump.
	structuredSampleSize = 100
	rawSampleSize        = 20
)

type Adapter struct {
	creds credential.Decrypter
	opts  datasource.Options
}

func New(creds credential.Decrypter, opts datasource.Options) *Adapter {
	return &Adapter{creds: creds, opts: opts.WithDefaults()}
}

func (a *Adapter) Kind() datasource.EngineKind { return datasource.EngineMongoDB }

// URI builds the connection string. Users authenticate against admin.
func URI(d datasource.Descriptor, password string) (string, error) {
	if strings.TrimSpace(d.Host) == "" {
		return "", fmt.Errorf("host is required")
	}
	port := d.Port
	if port == 0 {
		port = defaultPort
	}

	q := url.Values{}
	q.Set("authSource", "admin")
	q.Set("tls", strconv.FormatBool(d.SSL))

	u := url.URL{
		Scheme:   "mongodb",
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:     "/" + d.DatabaseName,
		RawQuery: q.Encode(),
	}
	if d.Username != "" {
		u.User = url.UserPassword(d.Username, password)
	}
	return u.String(), nil
}

func (a *Adapter) connect(ctx context.Context, d datasource.Descriptor) (*mongo.Client, error) {
	password, err := a.creds.Decrypt(d.SecretRef)
	if err != nil {
		return nil, datasource.ConnectionError(datasource.EngineMongoDB, err, "decrypt credentials")
	}
	uri, err := URI(d, password)
	if err != nil {
		return nil, datasource.ConnectionError(datasource.EngineMongoDB, err, "build connection string")
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(uri).
		SetConnectTimeout(a.opts.ConnectTimeout).
		SetServerSelectionTimeout(a.opts.ConnectTimeout).
		SetMaxPoolSize(1))
	if err != nil {
		return nil, datasource.ConnectionError(datasource.EngineMongoDB, err, "connect")
	}

	pctx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pctx, readpref.Primary()); err != nil {
		disconnect(client)
		return nil, datasource.ConnectionError(datasource.EngineMongoDB, err, "ping")
	}
	return client, nil
}

func disconnect(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.Disconnect(ctx)
}

func (a *Adapter) TestConnection(ctx context.Context, d datasource.Descriptor) bool {
	client, err := a.connect(ctx, d)
	if err != nil {
		return false
	}
	disconnect(client)
	return true
}

func (a *Adapter) GetStructuredSchema(ctx context.Context, d datasource.Descriptor) (*datasource.Schema, error) {
	client, err := a.connect(ctx, d)
	if err != nil {
		return nil, err
	}
	defer disconnect(client)

	qctx, cancel := context.WithTimeout(ctx, a.opts.StatementTimeout)
	defer cancel()

	samples, err := sampleCollections(qctx, client.Database(d.DatabaseName), func(ctx context.Context, coll *mongo.Collection) ([]bson.D, error) {
		cur, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(structuredSampleSize))
		if err != nil {
			return nil, err
		}
		var docs []bson.D
		if err := cur.All(ctx, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	})
	if err != nil {
		return nil, datasource.SchemaError(datasource.EngineMongoDB, err, "sample collections")
	}
	return assembleSchema(samples), nil
}

func (a *Adapter) GetRawSchema(ctx context.Context, d datasource.Descriptor) (string, error) {
	client, err := a.connect(ctx, d)
	if err != nil {
		return "", err
	}
	defer disconnect(client)

	qctx, cancel := context.WithTimeout(ctx, a.opts.StatementTimeout)
	defer cancel()

	samples, err := sampleCollections(qctx, client.Database(d.DatabaseName), func(ctx context.Context, coll *mongo.Collection) ([]bson.D, error) {
		pipeline := mongo.Pipeline{{{Key: "$sample", Value: bson.D{{Key: "size", Value: rawSampleSize}}}}}
		cur, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		var docs []bson.D
		if err := cur.All(ctx, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	})
	if err != nil {
		return "", datasource.SchemaError(datasource.EngineMongoDB, err, "sample collections")
	}

	tables := make([]datasource.RawTable, 0, len(samples))
	for _, s := range samples {
		tables = append(tables, rawTable(s))
	}
	return datasource.RenderRaw("mongodb database "+d.DatabaseName, tables), nil
}

type sampler func(ctx context.Context, coll *mongo.Collection) ([]bson.D, error)

// sampleCollections reads documents, indexes and the document count
// estimate of every regular collection in db.
func sampleCollections(ctx context.Context, db *mongo.Database, sample sampler) ([]collectionSample, error) {
	names, err := db.ListCollectionNames(ctx, bson.D{{Key: "type", Value: "collection"}})
	if err != nil {
		return nil, errors.Wrap(err, "list collections")
	}
	out := make([]collectionSample, 0, len(names))
	for _, name := range sortedUserCollections(names) {
		coll := db.Collection(name)

		docs, err := sample(ctx, coll)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %s", name)
		}

		cur, err := coll.Indexes().List(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "list indexes of %s", name)
		}
		var specs []indexSpec
		if err := cur.All(ctx, &specs); err != nil {
			return nil, errors.Wrapf(err, "decode indexes of %s", name)
		}

		s := collectionSample{Name: name, Docs: docs, Indexes: specs}
		if n, err := coll.EstimatedDocumentCount(ctx); err == nil {
			s.Estimate = &n
		}
		out = append(out, s)
	}
	return out, nil
}

func (a *Adapter) ExecuteQuery(ctx context.Context, d datasource.Descriptor, query string) (*datasource.QueryResult, error) {
	var cmd bson.D
	if err := bson.UnmarshalExtJSON([]byte(query), false, &cmd); err != nil {
		return nil, datasource.QueryError(datasource.EngineMongoDB, err)
	}
	if len(cmd) == 0 {
		return nil, datasource.QueryError(datasource.EngineMongoDB, fmt.Errorf("command document is empty"))
	}

	client, err := a.connect(ctx, d)
	if err != nil {
		return nil, err
	}
	defer disconnect(client)

	qctx, cancel := context.WithTimeout(ctx, a.opts.StatementTimeout)
	defer cancel()

	res := client.Database(d.DatabaseName).RunCommand(qctx, cmd)
	start := time.Now()
	var reply bson.D
	if err := res.Decode(&reply); err != nil {
		return nil, datasource.QueryError(datasource.EngineMongoDB, err)
	}

	columns, rows := tabulate(replyDocs(reply))
	return datasource.NewResult(columns, rows, start), nil
}
