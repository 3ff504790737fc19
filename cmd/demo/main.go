package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"raftvfs/pkg/client"
	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"
)

func pause(msg string) {
	fmt.Println()
	fmt.Println(msg)
	fmt.Print("Нажми Enter, чтобы продолжить...")
	_, _ = bufio.NewReader(os.Stdin).ReadBytes('\n')
}

func check(what string, err error) {
	if err != nil {
		fmt.Printf("[client] %s ERROR: %v\n", what, err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, c *client.Client, g types.GroupID) {
	st, err := c.Status(ctx, g)
	if err != nil {
		fmt.Printf("[client] STATUS error: %v\n", err)
		return
	}
	fmt.Printf("[client] STATUS node=%d role=%s term=%d leader=%d commit=%d applied=%d files=%d\n",
		st.ID, st.Role, st.Term, st.Lead, st.Commit, st.Applied, st.Files)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: demo http://node1:8080 [http://node2:8080 ...] [-group N]")
		os.Exit(1)
	}

	var endpoints []string
	gid := types.GroupID(1)
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "-group" && i+1 < len(os.Args) {
			n, err := strconv.ParseUint(os.Args[i+1], 10, 64)
			if err != nil {
				fmt.Println("bad group id:", err)
				os.Exit(1)
			}
			gid = types.GroupID(n)
			i++
			continue
		}
		endpoints = append(endpoints, os.Args[i])
	}

	c, err := client.New(endpoints)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Println("=== БАЗОВАЯ ПРОВЕРКА API ===")
	printStatus(ctx, c, gid)
	members, err := c.Members(ctx, gid)
	check("MEMBERS", err)
	fmt.Printf("[client] MEMBERS %v\n", members)

	stamp := time.Now().Format("150405")
	mainPath := "/demo-" + stamp + "/src/main.go"
	res, err := c.Create(ctx, gid, mainPath, "package main")
	check("CREATE", err)
	fmt.Printf("[client] CREATE %s → id=%d version=%d index=%d\n", mainPath, res.FileID, res.Version, res.Index)
	id := res.FileID

	res, err = c.Update(ctx, gid, id, "package main\n\nfunc main() {}")
	check("UPDATE", err)
	fmt.Printf("[client] UPDATE id=%d → version=%d index=%d\n", id, res.Version, res.Index)

	// устаревшая версия должна быть отклонена, но индекс в логе всё равно занят
	res, err = c.UpdateIfVersion(ctx, gid, id, "stale", 1)
	fmt.Printf("[client] UPDATE IF version=1 → err=%v (version mismatch: %t) index=%d\n",
		err, errors.Is(err, vfs.ErrVersionMismatch), res.Index)

	renamed := "/demo-" + stamp + "/cmd/main.go"
	res, err = c.Rename(ctx, gid, id, renamed)
	check("RENAME", err)
	fmt.Printf("[client] RENAME → %s index=%d\n", renamed, res.Index)

	rec, err := c.ReadPath(ctx, gid, renamed, types.Linearizable)
	check("READ", err)
	fmt.Printf("[client] READ %s → id=%d version=%d content=%q\n", rec.Path, rec.ID, rec.Version, rec.Content)

	// --- много файлов, чтобы сработал снапшот ---
	const totalFiles = 100
	fmt.Printf("\n=== [ШАГ 1] создаём %d файлов ===\n", totalFiles)
	for i := 0; i < totalFiles; i++ {
		p := fmt.Sprintf("/demo-%s/data/file-%03d.txt", stamp, i)
		if _, err := c.Create(ctx, gid, p, fmt.Sprintf("content-%d", i)); err != nil {
			fmt.Printf("[client] CREATE %s ERROR: %v\n", p, err)
		}
	}
	printStatus(ctx, c, gid)

	pause(`=== [ШАГ 2] ТЕСТ ОТКАЗОУСТОЙЧИВОСТИ ===
1) Останови ОДНУ из нод, например лидера группы:
   docker compose stop node1
2) Подожди, пока оставшиеся ноды выберут нового лидера.
Клиент сам найдёт нового лидера по подсказкам 421.`)

	fmt.Println("\n=== [ШАГ 3] проверяем файлы после падения ноды ===")
	var okCount, notFoundCount, errCount int
	files, err := c.List(ctx, gid, "/demo-"+stamp+"/data/", types.Linearizable)
	if err != nil {
		fmt.Printf("[client] LIST ERROR: %v\n", err)
	}
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.Path] = true
	}
	for i := 0; i < totalFiles; i++ {
		p := fmt.Sprintf("/demo-%s/data/file-%03d.txt", stamp, i)
		if seen[p] {
			okCount++
			continue
		}
		_, err := c.ReadPath(ctx, gid, p, types.Linearizable)
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, vfs.ErrNotFound):
			notFoundCount++
		default:
			errCount++
			fmt.Printf("[check] %s ERROR: %v\n", p, err)
		}
	}

	// запись после смены лидера
	res, err = c.Create(ctx, gid, "/demo-"+stamp+"/after-failover.txt", "ok")
	fmt.Printf("[client] CREATE after failover → index=%d err=%v\n", res.Index, err)
	printStatus(ctx, c, gid)

	fmt.Printf("\n=== РЕЗЮМЕ ПОСЛЕ ПАДЕНИЯ НОДЫ ===\n")
	fmt.Printf("  OK (файл найден):      %d\n", okCount)
	fmt.Printf("  NOT FOUND (потерян):   %d\n", notFoundCount)
	fmt.Printf("  ERR (другая ошибка):   %d\n", errCount)
	fmt.Println("Если репликация работает корректно, NOT FOUND должно быть 0 💚")
}
