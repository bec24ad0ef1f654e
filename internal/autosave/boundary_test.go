package autosave

import (
	"testing"

	"sheetcore/testutil"
)

func TestSchedulerHasNoStorageDrivers(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, ".", testutil.Any(testutil.InfraImport, testutil.DriverImport),
		"autosave writes through the Saver interface only")
}
