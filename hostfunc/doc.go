// Package hostfunc provides host functions callable from guest code.
//
// Host functions are Go functions the interpreter invokes through the session
// protocol. Guest code has no implicit access to the host; each capability is
// registered explicitly on a [Registry]:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//
// # Package installation
//
// [NewPkgInstaller] lets guest code install packages at run time. It does not
// install anything itself: names are validated, checked against the
// allowlist and handed to an [EnsureFunc], normally the runtime resolver, so
// guest-initiated installs and host-declared ones share one loaded set.
//
//	registry.Register("install", hostfunc.NewPkgInstaller(
//	    hostfunc.PkgConfig{Enabled: true},
//	    func(ctx context.Context, names []string) error {
//	        return provider.Ensure(ctx, runtime.PackageRequest{Real: names})
//	    },
//	))
package hostfunc
