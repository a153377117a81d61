// Package runtime manages containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon and provides image
// acquisition and container creation. Base images are pulled from a
// registry or imported from an OCI archive, unpacked for the target
// platform, and used to create containers with fresh snapshots.
//
// Each [Container] wraps a running containerd task. Commands can be
// executed inside the container as any numeric user, files can be copied
// in and out as tar streams, and the final filesystem state can be
// committed and exported as a new OCI archive with an updated image
// config. A [Service] runs an image's own process instead and reports how
// it ended.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "uvimage")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.StartContainer(ctx, "docker.io/library/python:3.12-slim", "build-1", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	result, err := ctr.ExecAs(ctx, "1000:1000", "/bin/sh", "id -u", nil, "")
//	if err != nil {
//	    return err
//	}
//
//	res, err := ctr.Export(ctx, "dist", runtime.ImageConfig{Cmd: []string{"python"}})
package runtime
