/*
Copyright (c) 2013-2018 The btcsuite developers
Use of this source code is governed by an ISC
license that can be found in the LICENSE file.

Peerpool is a p2p connection server. It services up to --maxpeers peers,
each on its own worker goroutine, and lets the rest of the node send bytes to
any peer by its peer id.

The default options are sane for most users. This means peerpool will work
'out of the box' for most users. However, there are also a wide variety of
flags that can be used to control it.

Usage:

	peerpool [OPTIONS]

For an up-to-date help message:

	peerpool --help

The long form of all option flags (except -C) can be specified in a
configuration file that is automatically parsed when peerpool starts up. By
default, the configuration file is located at ~/.peerpool/peerpool.conf on
POSIX-style operating systems and %LOCALAPPDATA%\peerpool\peerpool.conf on
Windows. The -C (--configfile) flag can be used to override this location.

Peers peerpool dialed are remembered in a peer store under the app
directory and redialed on the next start while slots remain. Use
--nopeerstore to disable this.
*/
package main
