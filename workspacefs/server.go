// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspacefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/wire"
)

// Config configures a Server.
type Config struct {
	// Root is the directory shared with guests.
	Root string

	// Permissions returns the room's current permissions. It is called
	// for every mutating request, so changes apply immediately. Nil
	// allows writes.
	Permissions func() protocol.Permissions

	Logger *slog.Logger
}

// Server answers fs/* requests from a directory.
type Server struct {
	root        *os.Root
	conn        *connection.Connection
	permissions func() protocol.Permissions
	logger      *slog.Logger
}

type route struct {
	method  string
	mutates bool
	handler connection.RequestHandler
}

// Serve opens config.Root and registers the fs/* request handlers on
// conn. Close the returned server to release the directory.
func Serve(conn *connection.Connection, config Config) (*Server, error) {
	if conn == nil || config.Logger == nil {
		panic("workspacefs.Serve: connection and Logger are required")
	}
	root, err := os.OpenRoot(config.Root)
	if err != nil {
		return nil, fmt.Errorf("opening workspace root: %w", err)
	}
	s := &Server{
		root:        root,
		conn:        conn,
		permissions: config.Permissions,
		logger:      config.Logger,
	}
	routes := []route{
		{protocol.MethodFSStat, false, s.handleStat},
		{protocol.MethodFSReadFile, false, s.handleReadFile},
		{protocol.MethodFSReadDir, false, s.handleReadDir},
		{protocol.MethodFSMkdir, true, s.handleMkdir},
		{protocol.MethodFSWriteFile, true, s.handleWriteFile},
		{protocol.MethodFSDelete, true, s.handleDelete},
		{protocol.MethodFSRename, true, s.handleRename},
	}
	for _, r := range routes {
		conn.OnRequest(r.method, s.guard(r))
	}
	s.logger.Info("serving workspace", "root", config.Root)
	return s, nil
}

// Close releases the workspace directory. Requests arriving afterwards
// fail.
func (s *Server) Close() error {
	return s.root.Close()
}

// NotifyChanges broadcasts changes made to the workspace outside of fs/*
// requests, such as saves in the host's own editor.
func (s *Server) NotifyChanges(changes ...protocol.FileChangeEvent) {
	if len(changes) == 0 {
		return
	}
	s.conn.SendBroadcast(protocol.MethodFSChange, changes)
}

// guard rejects mutating requests while the room is read-only and logs
// failures.
func (s *Server) guard(r route) connection.RequestHandler {
	return func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		if r.mutates && s.permissions != nil && s.permissions().ReadOnly {
			return nil, &protocol.ApplicationError{
				Code:    protocol.CodePermissionDenied,
				Message: fmt.Sprintf("%s: the workspace is read-only", r.method),
			}
		}
		result, err := r.handler(ctx, origin, params)
		if err != nil {
			s.logger.Debug("workspace request failed", "method", r.method, "origin", origin, "error", err)
		}
		return result, err
	}
}

func (s *Server) handleStat(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
	name, local, err := pathParam(protocol.MethodFSStat, params, 0)
	if err != nil {
		return nil, err
	}
	link, err := s.root.Lstat(local)
	if err != nil {
		return nil, translate("stat", name, err)
	}
	info := link
	if link.Mode()&fs.ModeSymlink != 0 {
		// Report what the link points to, flagged as a link. A dangling
		// or escaping link reports as the link itself.
		if target, err := s.root.Stat(local); err == nil {
			info = target
		}
	}
	stat := protocol.FileSystemStat{
		Type:  fileType(info.Mode()),
		Mtime: info.ModTime().UnixMilli(),
		Ctime: info.ModTime().UnixMilli(),
		Size:  info.Size(),
	}
	if link.Mode()&fs.ModeSymlink != 0 {
		stat.Type |= protocol.FileTypeSymlink
	}
	return stat, nil
}

func (s *Server) handleReadFile(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
	name, local, err := pathParam(protocol.MethodFSReadFile, params, 0)
	if err != nil {
		return nil, err
	}
	content, err := s.root.ReadFile(local)
	if err != nil {
		return nil, translate("read", name, err)
	}
	return protocol.FileData{Content: content}, nil
}

func (s *Server) handleReadDir(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
	name, local, err := pathParam(protocol.MethodFSReadDir, params, 0)
	if err != nil {
		return nil, err
	}
	directory, err := s.root.Open(local)
	if err != nil {
		return nil, translate("readdir", name, err)
	}
	defer directory.Close()
	entries, err := directory.ReadDir(-1)
	if err != nil {
		return nil, translate("readdir", name, err)
	}
	result := make(protocol.DirectoryEntries, len(entries))
	for _, entry := range entries {
		result[entry.Name()] = fileType(entry.Type())
	}
	return result, nil
}

func (s *Server) handleMkdir(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
	name, local, err := pathParam(protocol.MethodFSMkdir, params, 0)
	if err != nil {
		return nil, err
	}
	if err := s.root.Mkdir(local, 0o755); err != nil {
		return nil, translate("mkdir", name, err)
	}
	s.NotifyChanges(protocol.FileChangeEvent{Type: protocol.FileCreated, Path: name})
	return nil, nil
}

func (s *Server) handleWriteFile(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
	name, local, err := pathParam(protocol.MethodFSWriteFile, params, 0)
	if err != nil {
		return nil, err
	}
	var data protocol.FileData
	if err := wire.DecodeParam(params, 1, &data); err != nil {
		return nil, &protocol.ProtocolError{Method: protocol.MethodFSWriteFile, Reason: err.Error()}
	}
	options := protocol.WriteOptions{Create: true, Overwrite: true}
	if len(params) > 2 {
		if err := wire.DecodeParam(params, 2, &options); err != nil {
			return nil, &protocol.ProtocolError{Method: protocol.MethodFSWriteFile, Reason: err.Error()}
		}
	}

	_, statErr := s.root.Stat(local)
	exists := statErr == nil
	switch {
	case statErr != nil && !errors.Is(statErr, fs.ErrNotExist):
		return nil, translate("write", name, statErr)
	case exists && !options.Overwrite:
		return nil, &protocol.ApplicationError{Code: protocol.CodeExists, Message: fmt.Sprintf("write %s: file exists", name)}
	case !exists && !options.Create:
		return nil, &protocol.ApplicationError{Code: protocol.CodeNotFound, Message: fmt.Sprintf("write %s: no such file", name)}
	}
	if err := s.root.WriteFile(local, data.Content, 0o644); err != nil {
		return nil, translate("write", name, err)
	}
	change := protocol.FileCreated
	if exists {
		change = protocol.FileChanged
	}
	s.NotifyChanges(protocol.FileChangeEvent{Type: change, Path: name})
	return nil, nil
}

func (s *Server) handleDelete(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
	name, local, err := pathParam(protocol.MethodFSDelete, params, 0)
	if err != nil {
		return nil, err
	}
	if local == "." {
		return nil, &protocol.ApplicationError{Code: protocol.CodePermissionDenied, Message: "the workspace root cannot be deleted"}
	}
	var options protocol.DeleteOptions
	if len(params) > 1 {
		if err := wire.DecodeParam(params, 1, &options); err != nil {
			return nil, &protocol.ProtocolError{Method: protocol.MethodFSDelete, Reason: err.Error()}
		}
	}
	if _, err := s.root.Lstat(local); err != nil {
		return nil, translate("delete", name, err)
	}
	if options.Recursive {
		err = s.root.RemoveAll(local)
	} else {
		err = s.root.Remove(local)
	}
	if err != nil {
		return nil, translate("delete", name, err)
	}
	s.NotifyChanges(protocol.FileChangeEvent{Type: protocol.FileDeleted, Path: name})
	return nil, nil
}

func (s *Server) handleRename(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
	from, localFrom, err := pathParam(protocol.MethodFSRename, params, 0)
	if err != nil {
		return nil, err
	}
	to, localTo, err := pathParam(protocol.MethodFSRename, params, 1)
	if err != nil {
		return nil, err
	}
	if localFrom == "." || localTo == "." {
		return nil, &protocol.ApplicationError{Code: protocol.CodePermissionDenied, Message: "the workspace root cannot be renamed"}
	}
	var options protocol.RenameOptions
	if len(params) > 2 {
		if err := wire.DecodeParam(params, 2, &options); err != nil {
			return nil, &protocol.ProtocolError{Method: protocol.MethodFSRename, Reason: err.Error()}
		}
	}
	if _, err := s.root.Lstat(localFrom); err != nil {
		return nil, translate("rename", from, err)
	}
	if !options.Overwrite {
		if _, err := s.root.Lstat(localTo); err == nil {
			return nil, &protocol.ApplicationError{Code: protocol.CodeExists, Message: fmt.Sprintf("rename %s: %s exists", from, to)}
		}
	}
	if err := s.root.Rename(localFrom, localTo); err != nil {
		return nil, translate("rename", from, err)
	}
	s.NotifyChanges(
		protocol.FileChangeEvent{Type: protocol.FileDeleted, Path: from},
		protocol.FileChangeEvent{Type: protocol.FileCreated, Path: to},
	)
	return nil, nil
}

// pathParam decodes the workspace path at index and converts it to a
// root-relative native path. The returned name is the cleaned
// slash-separated form used in errors and change events.
func pathParam(method string, params []codec.RawMessage, index int) (name, local string, err error) {
	var raw string
	if err := wire.DecodeParam(params, index, &raw); err != nil {
		return "", "", &protocol.ProtocolError{Method: method, Reason: err.Error()}
	}
	name = path.Clean("/" + strings.ReplaceAll(raw, `\`, "/"))[1:]
	if name == "" {
		return "", ".", nil
	}
	local = filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return "", "", &protocol.ApplicationError{Code: protocol.CodePermissionDenied, Message: fmt.Sprintf("%s: %q is outside the workspace", method, raw)}
	}
	return name, local, nil
}

// translate maps file system errors onto protocol error codes.
func translate(op, name string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &protocol.ApplicationError{Code: protocol.CodeNotFound, Message: fmt.Sprintf("%s %s: no such file or directory", op, name)}
	case errors.Is(err, fs.ErrExist):
		return &protocol.ApplicationError{Code: protocol.CodeExists, Message: fmt.Sprintf("%s %s: already exists", op, name)}
	case errors.Is(err, fs.ErrPermission):
		return &protocol.ApplicationError{Code: protocol.CodePermissionDenied, Message: fmt.Sprintf("%s %s: permission denied", op, name)}
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

func fileType(mode fs.FileMode) protocol.FileType {
	switch {
	case mode.IsDir():
		return protocol.FileTypeDirectory
	case mode&fs.ModeSymlink != 0:
		return protocol.FileTypeSymlink
	case mode.IsRegular():
		return protocol.FileTypeFile
	}
	return protocol.FileTypeUnknown
}
