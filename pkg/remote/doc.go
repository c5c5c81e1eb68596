// Package remote runs commands and transfers files on SSH hosts named in the
// configuration. Commands use exec sessions; transfers use SFTP.
package remote
