package main

const (
	rootHelpShort = "mist keeps a local folder and a remote host in sync through one encrypted archive."

	rootHelpLong = `mist keeps a local folder and a remote host in sync through one encrypted archive.

The folder of the selected <profile> is stored on the remote host as a single
gzip-compressed tarball, encrypted with OpenPGP and transferred over ssh. Next to
the archive, a small digest of the folder's file names and sizes is kept, so that
runs without changes on either side finish without transferring anything.

Without flags, mist reconciles: the remote archive is unpacked into the profile's
temporary folder, merged with the local folder by unison, and the merged folder is
pushed back. With --push or --pull, one side simply overwrites the other.

Profiles are read from the first configuration file found at:
  ~/.config/mist/mist.toml
  ~/.config/mist.toml
  ~/.mist.toml
  ~/mist.toml

Each profile is a table with these keys:
  folder           = "/path/to/sync/folder"  (required)
  ssh_address      = "user@host"             (required)
  gpg_id           = "you@example.com"       (required)
  temp_folder      = "/tmp/sync-folder"      (required)
  gpg_program      = "/usr/bin/gpg2"         (optional)
  symmetric        = false                   (optional)
  keyring          = "~/.mist/keyring.asc"   (optional, built-in OpenPGP engine)
  exclude          = ["*.tmp", "cache/"]    (optional)
  merge_program    = "unison"                (optional)
  transfer_program = "rsync"                 (optional)

Operational messages are printed to standard error (stderr), prompts to standard
output (stdout).

Exit Codes:
  0 - Success (including "already up to date" and declined prompts)
  1 - General failure (configuration, connection, decryption, I/O errors)`

	rootExample = `  # Reconcile the "notes" profile with its remote archive
  mist notes

  # Overwrite the remote archive without asking
  mist notes --push --assume-yes

  # Overwrite the local folder without asking
  mist notes --pull -y

  # Reconcile, writing the archive through rsync for progress output
  mist notes --scp-write`
)
