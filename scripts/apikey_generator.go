package main

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"

	"notemaster/internal/pkg/auth"
)

// 简单API密钥生成器
// 生成随机密钥并输出可直接粘贴到配置文件的YAML片段
// 使用方法:
//
//	源码运行: go run scripts/apikey_generator.go <调用方名称> [密钥长度]
//	二进制运行: scripts/apikey_generator.exe <调用方名称> [密钥长度]
func main() {
	// 检查命令行参数
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Println("使用方法:")
		fmt.Println("  源码运行: go run scripts/apikey_generator.go <调用方名称> [密钥长度]")
		fmt.Println("  二进制运行: scripts/apikey_generator.exe <调用方名称> [密钥长度]")
		fmt.Println("")
		fmt.Println("示例:")
		fmt.Println("  go run scripts/apikey_generator.go note-web")
		fmt.Println("  scripts/apikey_generator.exe note-web 48")
		return
	}

	// 获取命令行参数
	name := os.Args[1]
	keyLength := 32
	if len(os.Args) == 3 {
		parsed, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatalf("密钥长度解析失败: %v", err)
		}
		keyLength = parsed
	}

	// 验证输入参数
	if err := validateInput(name, keyLength); err != nil {
		log.Fatalf("输入验证失败: %v", err)
	}

	// 生成明文密钥
	apiKey, err := auth.GenerateRandomAPIKey(keyLength)
	if err != nil {
		log.Fatalf("生成API密钥失败: %v", err)
	}

	// 哈希密钥（配置文件只保存哈希值）
	hashedKey, err := auth.HashAPIKeyWithDefaultConfig(apiKey)
	if err != nil {
		log.Fatalf("API密钥哈希失败: %v", err)
	}

	// 明文只展示这一次，请立即下发给调用方
	fmt.Println("API密钥（仅展示一次，请妥善保存）:")
	fmt.Printf("  %s\n", apiKey)
	fmt.Println("")
	fmt.Println("粘贴到 configs/config.yaml 的 security.auth.api_keys:")
	fmt.Println("")
	fmt.Printf("      - name: \"%s\"\n", name)
	fmt.Printf("        key: \"%s\"\n", hashedKey)
}

// validateInput 验证输入参数
func validateInput(name string, keyLength int) error {
	// 验证调用方名称
	if name == "" {
		return fmt.Errorf("调用方名称不能为空")
	}
	if len(name) < 3 || len(name) > 50 {
		return fmt.Errorf("调用方名称长度必须在3-50个字符之间")
	}
	nameRegex := regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("调用方名称只能包含字母、数字、点、下划线和连字符")
	}

	// 验证密钥长度
	if keyLength < 16 || keyLength > 128 {
		return fmt.Errorf("密钥长度必须在16-128字节之间，当前值: %d", keyLength)
	}

	return nil
}
