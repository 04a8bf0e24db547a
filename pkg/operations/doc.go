// Package operations provides the deployment operations that manifests and
// code-declared plans attach to sequence trees.
//
// Remote operations reach their server through a Dialer. Local operations run
// on the deploying machine. Every operation is idempotent from the engine's
// point of view: it is executed at most once per node per run and never
// retried.
//
// The Registry maps manifest step kinds to operation factories:
//
//	command  RemoteCommand   run a shell command on the server
//	upload   UploadFile      copy one file to the server over SFTP
//	sync     SyncDirectory   copy a directory tree to the server over SFTP
//	service  Service         install, enable and restart a systemd unit
//	local    LocalCommand    run a command on the deploying machine
//	wasm     Wasm            run a WASI module on the deploying machine
package operations
