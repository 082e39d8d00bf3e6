package jobtype

// Builtins returns a registry with every built-in job type.
func Builtins() *Registry {
	return NewRegistry(
		Shell{},
		Script{},
		PackagesUpgradable{},
		PackagesUpgrade{},
		SystemdUnit{Local: NewDBusUnits()},
	)
}
