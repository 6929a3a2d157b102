// Package files implements the site filesystem on the local machine and, over
// SSH and SFTP, on a remote web host.
package files
