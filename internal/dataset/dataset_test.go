package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/graph"
)

func byName(t *testing.T, datasets []graph.GraphDataset, name string) graph.GraphDataset {
	t.Helper()
	for _, ds := range datasets {
		if ds.Name == name {
			return ds
		}
	}
	t.Fatalf("dataset %s not loaded", name)
	return graph.GraphDataset{}
}

func collection(t *testing.T, ds graph.GraphDataset, name string) graph.Collection {
	t.Helper()
	for _, c := range ds.Collections {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("collection %s.%s not loaded", ds.Name, name)
	return graph.Collection{}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDir_YAMLAndCUE(t *testing.T) {
	datasets, err := LoadDir("testdata/shop")
	require.NoError(t, err)
	require.Len(t, datasets, 2)

	pg := byName(t, datasets, "postgres_db")
	assert.Equal(t, "shop_pg", pg.ConnectionKey)

	customer := collection(t, pg, "customer")
	email := customer.FieldByPath(graph.FieldPath{"email"})
	require.NotNil(t, email)
	assert.Equal(t, "email", email.Identity)
	assert.Equal(t, []string{"user.contact.email"}, email.DataCategories)
	assert.NotNil(t, customer.FieldByPath(graph.FieldPath{"address", "zip"}))
	assert.Equal(t, []graph.FieldPath{{"id"}}, customer.PrimaryKeys())

	orders := collection(t, pg, "orders")
	assert.Equal(t, []graph.CollectionAddress{graph.NewCollectionAddress("postgres_db", "customer")}, orders.After)
	ref := orders.FieldByPath(graph.FieldPath{"customer_id"})
	require.NotNil(t, ref)
	require.Len(t, ref.References, 1)
	assert.Equal(t, graph.NewFieldAddress("postgres_db", "customer", "id"), ref.References[0].Address)
	assert.Equal(t, graph.DirectionFrom, ref.References[0].Direction)
	assert.True(t, orders.FieldByPath(graph.FieldPath{"id"}).PrimaryKey, "fides_meta primary key")

	mongo := byName(t, datasets, "mongo_db")
	assert.Equal(t, "mongo_db", mongo.ConnectionKey, "connection key defaults to the dataset key")
	assert.Equal(t, []graph.CollectionAddress{
		graph.NewCollectionAddress("postgres_db", "customer"),
		graph.NewCollectionAddress("postgres_db", "orders"),
	}, mongo.After)
	profile := collection(t, mongo, "profile")
	hobbies := profile.FieldByPath(graph.FieldPath{"hobbies"})
	require.NotNil(t, hobbies)
	assert.True(t, hobbies.IsArray)

	_, err = graph.NewDatasetGraph(datasets...)
	require.NoError(t, err)
}

func TestLoadDir_MergesSaaSConfig(t *testing.T) {
	datasets, err := LoadDir("testdata/saas")
	require.NoError(t, err)
	require.Len(t, datasets, 1)

	mailer := datasets[0]
	contacts := collection(t, mailer, "contacts")
	assert.Equal(t, "email", contacts.FieldByPath(graph.FieldPath{"email"}).Identity)

	messages := collection(t, mailer, "messages")
	assert.Equal(t, []graph.CollectionAddress{graph.NewCollectionAddress("mailer", "contacts")}, messages.After)
	param := messages.FieldByPath(graph.FieldPath{"contact_id"})
	require.NotNil(t, param)
	require.Len(t, param.References, 1)
	assert.Equal(t, graph.NewFieldAddress("mailer", "contacts", "id"), param.References[0].Address)

	g, err := graph.NewDatasetGraph(datasets...)
	require.NoError(t, err)
	assert.Contains(t, g.Nodes, graph.NewCollectionAddress("mailer", "messages"))
}

func TestLoadDir_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
	}{
		{
			name: "reference without field",
			content: `dataset:
  - fides_key: db
    collections:
      - name: a
        fields:
          - name: x
            references: [{dataset: db, field: b}]
`,
			path: "db.a.x",
		},
		{
			name: "unknown tie dataset",
			content: `dataset:
  - fides_key: db
    collections:
      - name: a
        after: [nowhere]
`,
			path: "db.a",
		},
		{
			name: "duplicate collection",
			content: `dataset:
  - fides_key: db
    collections:
      - name: a
      - name: a
`,
			path: "db.a",
		},
		{
			name: "bad direction",
			content: `dataset:
  - fides_key: db
    collections:
      - name: a
        fields:
          - name: x
            references: [{dataset: db, field: b.y, direction: sideways}]
`,
		},
		{
			name: "missing key",
			content: `dataset:
  - collections:
      - name: a
`,
		},
		{
			name:    "nothing defined",
			content: "other: 1\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			file := writeFile(t, dir, "bad.yml", tt.content)

			_, err := LoadDir(dir)
			require.Error(t, err)
			require.True(t, IsValidationError(err), "got %v", err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, file, ve.File)
			if tt.path != "" {
				assert.Equal(t, tt.path, ve.Path)
			}
		})
	}
}

func TestLoadDir_EmptyDirectory(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)
	assert.False(t, IsValidationError(err))
}

func TestLoadFile_InvalidCUE(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "bad.cue", "dataset: [{fides_key: \n")

	_, err := LoadFiles(file)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, file, ve.File)
}

func TestMergeSaaS(t *testing.T) {
	base := func() Dataset {
		return Dataset{
			FidesKey:    "api",
			Collections: []Collection{{Name: "users", Fields: []Field{{Name: "id"}}}},
		}
	}

	t.Run("adds params to existing fields", func(t *testing.T) {
		ds := base()
		err := MergeSaaS(&ds, SaaSConfig{
			FidesKey: "api",
			Endpoints: []Endpoint{{
				Name: "users",
				Requests: Requests{Read: &SaaSRequest{ParamValues: []ParamValue{
					{Name: "id", Identity: "user_id"},
					{Name: "email", Identity: "email"},
				}}},
			}},
		})
		require.NoError(t, err)
		require.Len(t, ds.Collections, 1)
		require.Len(t, ds.Collections[0].Fields, 2)
		assert.Equal(t, "user_id", ds.Collections[0].Fields[0].Identity)
		assert.Equal(t, "email", ds.Collections[0].Fields[1].Identity)
	})

	t.Run("param needs exactly one source", func(t *testing.T) {
		ds := base()
		err := MergeSaaS(&ds, SaaSConfig{
			FidesKey: "api",
			Endpoints: []Endpoint{{
				Name: "users",
				Requests: Requests{Read: &SaaSRequest{ParamValues: []ParamValue{
					{Name: "id"},
				}}},
			}},
		})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "api.users.id", ve.Path)
	})

	t.Run("config for another dataset", func(t *testing.T) {
		ds := base()
		err := MergeSaaS(&ds, SaaSConfig{FidesKey: "other", Endpoints: []Endpoint{{Name: "users"}}})
		assert.True(t, IsValidationError(err))
	})
}

func TestParseReference(t *testing.T) {
	addr, err := ParseReference("db", "orders.shipping.zip")
	require.NoError(t, err)
	assert.Equal(t, graph.NewFieldAddress("db", "orders", "shipping", "zip"), addr)

	for _, bad := range []string{"orders", "orders..zip", ".zip", ""} {
		_, err := ParseReference("db", bad)
		assert.True(t, IsValidationError(err), bad)
	}
}
