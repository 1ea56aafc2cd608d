package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/occi-engine/pkg/catalog"
	"github.com/ekaya-inc/occi-engine/pkg/models"
)

const (
	infra = "http://schemas.ogf.org/occi/infrastructure#"

	computeKind     = models.CategoryID(infra + "compute")
	networkKind     = models.CategoryID(infra + "network")
	storageKind     = models.CategoryID(infra + "storage")
	netIfaceKind    = models.CategoryID(infra + "networkinterface")
	storageLinkKind = models.CategoryID(infra + "storagelink")
	ipNetworkMixin  = models.CategoryID(infra + "ipnetwork")
	osTplMixin      = models.CategoryID(infra + "os_tpl")

	startAction  = models.CategoryID("http://schemas.ogf.org/occi/infrastructure/compute/action#start")
	stopAction   = models.CategoryID("http://schemas.ogf.org/occi/infrastructure/compute/action#stop")
	upAction     = models.CategoryID("http://schemas.ogf.org/occi/infrastructure/network/action#up")
	resizeAction = models.CategoryID("http://schemas.ogf.org/occi/infrastructure/storage/action#resize")

	testUUID = "c7d55bf4-7057-5113-85c8-141871bf7636"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := catalog.New(zaptest.NewLogger(t))
	require.NoError(t, cat.LoadFrom(catalog.NewBuiltinSource()))
	return cat
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(newTestCatalog(t), Options{
		DefaultExtensions: []string{"core", "infrastructure"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func newTestConfiguration(t *testing.T) *Configuration {
	t.Helper()
	cfg, err := newTestManager(t).GetOrCreateConfiguration("u1")
	require.NoError(t, err)
	return cfg
}

func mustAddCompute(t *testing.T, c *Configuration, location string, attrs map[string]any) *models.Entity {
	t.Helper()
	e, err := c.AddResource(computeKind, nil, attrs, location)
	require.NoError(t, err)
	return e
}
